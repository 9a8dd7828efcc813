package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"vrptwc/internal/config"
	"vrptwc/internal/model"
	"vrptwc/internal/opt"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// MigrateDir applies every *.sql file of dir in name order, skipping files
// already recorded in schema_migrations.
func (p *Postgres) MigrateDir(dir string) error {
	ctx := context.Background()
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	sort.Strings(files)
	for _, f := range files {
		name := filepath.Base(f)
		var seen string
		err := p.db.QueryRowContext(ctx, `SELECT name FROM schema_migrations WHERE name=$1`, name).Scan(&seen)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
		body, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrate %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrate %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	return nil
}

// pageQuery appends the cursor condition, order and limit to a query whose
// arguments so far are args.
func pageQuery(q string, args []any, cursor string, limit int) (string, []any) {
	if cursor != "" {
		args = append(args, cursor)
		q += fmt.Sprintf(` AND id::text > $%d`, len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args))
	return q, args
}

func normLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

func (p *Postgres) CreateInstance(ctx context.Context, in model.Instance) (model.Instance, error) {
	in.ID = uuid.New().String()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO instances (id, tenant_id, name, clients, capacity, pairs, document, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		in.ID, in.TenantID, in.Name, in.Clients, in.Capacity, in.Pairs, []byte(in.Document), in.CreatedAt)
	if err != nil {
		return model.Instance{}, fmt.Errorf("create instance: %w", err)
	}
	return in, nil
}

func (p *Postgres) GetInstance(ctx context.Context, tenantID, id string) (model.Instance, error) {
	in := model.Instance{TenantID: tenantID}
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT id::text, name, clients, capacity, pairs, document, created_at FROM instances WHERE tenant_id=$1 AND id::text=$2`, tenantID, id).
		Scan(&in.ID, &in.Name, &in.Clients, &in.Capacity, &in.Pairs, &doc, &in.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Instance{}, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Instance{}, fmt.Errorf("get instance: %w", err)
	}
	in.Document = doc
	return in, nil
}

func (p *Postgres) ListInstances(ctx context.Context, tenantID, cursor string, limit int) ([]model.Instance, string, error) {
	limit = normLimit(limit)
	q, args := pageQuery(`SELECT id::text, name, clients, capacity, pairs, created_at FROM instances WHERE tenant_id=$1`, []any{tenantID}, cursor, limit)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()
	out := []model.Instance{}
	for rows.Next() {
		in := model.Instance{TenantID: tenantID}
		if err := rows.Scan(&in.ID, &in.Name, &in.Clients, &in.Capacity, &in.Pairs, &in.CreatedAt); err != nil {
			return nil, "", fmt.Errorf("list instances: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list instances: %w", err)
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (p *Postgres) CreateRun(ctx context.Context, run model.Run) (model.Run, error) {
	run.ID = uuid.New().String()
	run.Status = model.RunQueued
	run.CreatedAt = time.Now().UTC()
	params, err := json.Marshal(run.Params)
	if err != nil {
		return model.Run{}, fmt.Errorf("create run: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO runs (id, tenant_id, instance_id, status, params, runs, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		run.ID, run.TenantID, run.InstanceID, run.Status, params, run.Runs, run.CreatedAt)
	if err != nil {
		return model.Run{}, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

const runColumns = `id::text, instance_id::text, status, params, runs, COALESCE(error,''), result, metrics, summary, created_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner, tenantID string, full bool) (model.Run, error) {
	run := model.Run{TenantID: tenantID}
	var params, result, metrics, summary []byte
	var started, finished sql.NullTime
	if err := sc.Scan(&run.ID, &run.InstanceID, &run.Status, &params, &run.Runs, &run.Error, &result, &metrics, &summary, &run.CreatedAt, &started, &finished); err != nil {
		return model.Run{}, err
	}
	if err := json.Unmarshal(params, &run.Params); err != nil {
		return model.Run{}, fmt.Errorf("decode params: %w", err)
	}
	if started.Valid {
		run.StartedAt = &started.Time
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	if len(summary) > 0 {
		run.Summary = &opt.Summary{}
		if err := json.Unmarshal(summary, run.Summary); err != nil {
			return model.Run{}, fmt.Errorf("decode summary: %w", err)
		}
	}
	if !full {
		return run, nil
	}
	if len(result) > 0 {
		run.Result = &model.RunResult{}
		if err := json.Unmarshal(result, run.Result); err != nil {
			return model.Run{}, fmt.Errorf("decode result: %w", err)
		}
	}
	if len(metrics) > 0 {
		run.Metrics = &opt.Metrics{}
		if err := json.Unmarshal(metrics, run.Metrics); err != nil {
			return model.Run{}, fmt.Errorf("decode metrics: %w", err)
		}
	}
	return run, nil
}

func (p *Postgres) GetRun(ctx context.Context, tenantID, id string) (model.Run, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE tenant_id=$1 AND id::text=$2`, tenantID, id)
	run, err := scanRun(row, tenantID, true)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (p *Postgres) ListRuns(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.Run, string, error) {
	limit = normLimit(limit)
	q := `SELECT ` + runColumns + ` FROM runs WHERE tenant_id=$1`
	args := []any{tenantID}
	if status != "" {
		args = append(args, status)
		q += ` AND status=$2`
	}
	q, args = pageQuery(q, args, cursor, limit)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	out := []model.Run{}
	for rows.Next() {
		run, err := scanRun(rows, tenantID, false)
		if err != nil {
			return nil, "", fmt.Errorf("list runs: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list runs: %w", err)
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (p *Postgres) StartRun(ctx context.Context, tenantID, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE runs SET status=$3, started_at=now() WHERE tenant_id=$1 AND id::text=$2`, tenantID, id, model.RunRunning)
	return affected(res, err, "start run", id)
}

func (p *Postgres) FinishRun(ctx context.Context, tenantID, id string, fin model.RunFinish) error {
	result, err := jsonOrNil(fin.Result)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	metrics, err := jsonOrNil(fin.Metrics)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	summary, err := jsonOrNil(fin.Summary)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `UPDATE runs SET status=$3, error=$4, result=$5, metrics=$6, summary=$7, finished_at=now() WHERE tenant_id=$1 AND id::text=$2`,
		tenantID, id, fin.Status, nullIfEmpty(fin.Error), result, metrics, summary)
	return affected(res, err, "finish run", id)
}

func affected(res sql.Result, err error, op, id string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	return nil
}

func jsonOrNil[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.New().String()
	ev, _ := json.Marshal(req.Events)
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, tenant_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`, id, req.TenantID, req.URL, ev, nullIfEmpty(req.Secret))
	if err != nil {
		return model.Subscription{}, fmt.Errorf("create subscription: %w", err)
	}
	return model.Subscription{ID: id, TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) scanSubscriptions(rows *sql.Rows, tenantID string) ([]model.Subscription, error) {
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		s := model.Subscription{TenantID: tenantID}
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(ev, &s.Events); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	want, _ := json.Marshal([]string{eventType})
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions WHERE tenant_id=$1 AND events @> $2::jsonb`, tenantID, string(want))
	if err != nil {
		return nil, fmt.Errorf("subscriptions for %s: %w", eventType, err)
	}
	out, err := p.scanSubscriptions(rows, tenantID)
	if err != nil {
		return nil, fmt.Errorf("subscriptions for %s: %w", eventType, err)
	}
	return out, nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	limit = normLimit(limit)
	q, args := pageQuery(`SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions WHERE tenant_id=$1`, []any{tenantID}, cursor, limit)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list subscriptions: %w", err)
	}
	out, err := p.scanSubscriptions(rows, tenantID)
	if err != nil {
		return nil, "", fmt.Errorf("list subscriptions: %w", err)
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE tenant_id=$1 AND id::text=$2`, tenantID, id)
	return affected(res, err, "delete subscription", id)
}

// Webhook deliveries
func (p *Postgres) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, tenant_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now(),$8)
		ON CONFLICT (tenant_id, event_type, url, dedup_key) WHERE status <> 'failed' DO NOTHING`,
		id, tenantID, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload, computeDedupKey(payload))
	if err != nil {
		return "", fmt.Errorf("enqueue webhook: %w", err)
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, tenant_id, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
		FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch deliveries: %w", err)
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, fmt.Errorf("fetch deliveries: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if success {
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id::text=$1`, id, responseCode, latencyMs)
		if err != nil {
			return fmt.Errorf("mark delivery: %w", err)
		}
		return nil
	}
	if nextAttemptAt == nil {
		t := time.Now().Add(time.Minute)
		nextAttemptAt = &t
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id::text=$1`,
		id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
	if err != nil {
		return fmt.Errorf("mark delivery: %w", err)
	}
	return nil
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("fail delivery: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id::text=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs); err != nil {
		return fmt.Errorf("fail delivery: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO webhook_dlq (id, tenant_id, delivery_id, event_type, url, secret, payload, attempts, last_error, response_code)
		SELECT $2, tenant_id, id, event_type, url, secret, payload, attempts, last_error, response_code FROM webhook_deliveries WHERE id::text=$1`, id, uuid.New().String()); err != nil {
		return fmt.Errorf("fail delivery: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("fail delivery: %w", err)
	}
	return nil
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.Delivery, string, error) {
	limit = normLimit(limit)
	q := `SELECT id::text, event_type, url, status, attempts, COALESCE(last_error,''), COALESCE(response_code,0), COALESCE(latency_ms,0), next_attempt_at, delivered_at FROM webhook_deliveries WHERE tenant_id=$1`
	args := []any{tenantID}
	if status != "" {
		args = append(args, status)
		q += ` AND status=$2`
	}
	q, args = pageQuery(q, args, cursor, limit)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()
	out := []model.Delivery{}
	for rows.Next() {
		var d model.Delivery
		var delivered sql.NullTime
		if err := rows.Scan(&d.ID, &d.EventType, &d.URL, &d.Status, &d.Attempts, &d.LastError, &d.ResponseCode, &d.LatencyMs, &d.NextAttempt, &delivered); err != nil {
			return nil, "", fmt.Errorf("list deliveries: %w", err)
		}
		if delivered.Valid {
			d.DeliveredAt = &delivered.Time
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list deliveries: %w", err)
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now() WHERE tenant_id=$1 AND id::text=$2`, tenantID, id)
	return affected(res, err, "retry delivery", id)
}

func (p *Postgres) ListWebhookDLQ(ctx context.Context, tenantID, eventType, cursor string, limit int) ([]model.DeadLetter, string, error) {
	limit = normLimit(limit)
	q := `SELECT id::text, COALESCE(delivery_id::text,''), event_type, url, COALESCE(last_error,''), attempts, COALESCE(response_code,0), created_at FROM webhook_dlq WHERE tenant_id=$1`
	args := []any{tenantID}
	if eventType != "" {
		args = append(args, eventType)
		q += ` AND event_type=$2`
	}
	q, args = pageQuery(q, args, cursor, limit)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list dlq: %w", err)
	}
	defer rows.Close()
	out := []model.DeadLetter{}
	for rows.Next() {
		var d model.DeadLetter
		if err := rows.Scan(&d.ID, &d.DeliveryID, &d.EventType, &d.URL, &d.LastError, &d.Attempts, &d.ResponseCode, &d.CreatedAt); err != nil {
			return nil, "", fmt.Errorf("list dlq: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list dlq: %w", err)
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (p *Postgres) RequeueWebhookDLQ(ctx context.Context, tenantID, id string) error {
	var et, url, secret string
	var payload []byte
	err := p.db.QueryRowContext(ctx, `SELECT event_type, url, COALESCE(secret,''), payload FROM webhook_dlq WHERE tenant_id=$1 AND id::text=$2`, tenantID, id).
		Scan(&et, &url, &secret, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("requeue dlq: %w", err)
	}
	if _, err := p.EnqueueWebhook(ctx, tenantID, "", et, url, secret, payload); err != nil {
		return fmt.Errorf("requeue dlq: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `DELETE FROM webhook_dlq WHERE tenant_id=$1 AND id::text=$2`, tenantID, id); err != nil {
		return fmt.Errorf("requeue dlq: %w", err)
	}
	return nil
}

func (p *Postgres) GetSolverConfig(ctx context.Context, tenantID string) (*config.Solver, error) {
	var js []byte
	err := p.db.QueryRowContext(ctx, `SELECT config FROM solver_config WHERE tenant_id=$1`, tenantID).Scan(&js)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get solver config: %w", err)
	}
	var cfg config.Solver
	if err := json.Unmarshal(js, &cfg); err != nil {
		return nil, fmt.Errorf("get solver config: %w", err)
	}
	return &cfg, nil
}

func (p *Postgres) SaveSolverConfig(ctx context.Context, tenantID string, cfg config.Solver) error {
	js, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("save solver config: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO solver_config (tenant_id, config, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (tenant_id) DO UPDATE SET config=EXCLUDED.config, updated_at=now()`, tenantID, js)
	if err != nil {
		return fmt.Errorf("save solver config: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
