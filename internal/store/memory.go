package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"vrptwc/internal/config"
	"vrptwc/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu        sync.Mutex
	instances map[string]model.Instance // id -> instance
	instTen   map[string][]string       // tenant -> instance ids in creation order
	runs      map[string]model.Run      // id -> run
	runsTen   map[string][]string       // tenant -> run ids in creation order
	subs      map[string][]model.Subscription
	// Webhooks queue state
	deliveries         map[string]*memDelivery
	deliveriesByTenant map[string][]string
	dlq                []memDeadLetter
	solverCfg          map[string]config.Solver
}

func NewMemory() *Memory {
	return &Memory{
		instances:          map[string]model.Instance{},
		instTen:            map[string][]string{},
		runs:               map[string]model.Run{},
		runsTen:            map[string][]string{},
		subs:               map[string][]model.Subscription{},
		deliveries:         map[string]*memDelivery{},
		deliveriesByTenant: map[string][]string{},
		solverCfg:          map[string]config.Solver{},
	}
}

// memDelivery augments WebhookDelivery with scheduling state.
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

type memDeadLetter struct {
	model.DeadLetter
	TenantID string
	Secret   string
	Payload  []byte
}

// page returns up to limit items following the one whose id is cursor, and
// the cursor of the next page.
func page[T any](items []T, id func(T) string, cursor string, limit int) ([]T, string) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	start := 0
	if cursor != "" {
		for i := range items {
			if id(items[i]) == cursor {
				start = i + 1
				break
			}
		}
	}
	end := min(start+limit, len(items))
	if start >= end {
		return []T{}, ""
	}
	out := append([]T(nil), items[start:end]...)
	next := ""
	if end < len(items) {
		next = id(items[end-1])
	}
	return out, next
}

func (m *Memory) CreateInstance(ctx context.Context, in model.Instance) (model.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in.ID = uuid.New().String()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	m.instances[in.ID] = in
	m.instTen[in.TenantID] = append(m.instTen[in.TenantID], in.ID)
	return in, nil
}

func (m *Memory) GetInstance(ctx context.Context, tenantID, id string) (model.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.instances[id]
	if !ok || in.TenantID != tenantID {
		return model.Instance{}, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return in, nil
}

func (m *Memory) ListInstances(ctx context.Context, tenantID, cursor string, limit int) ([]model.Instance, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]model.Instance, 0, len(m.instTen[tenantID]))
	for _, id := range m.instTen[tenantID] {
		in := m.instances[id]
		in.Document = nil
		list = append(list, in)
	}
	items, next := page(list, func(in model.Instance) string { return in.ID }, cursor, limit)
	return items, next, nil
}

func (m *Memory) CreateRun(ctx context.Context, run model.Run) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.ID = uuid.New().String()
	run.Status = model.RunQueued
	run.CreatedAt = time.Now().UTC()
	m.runs[run.ID] = run
	m.runsTen[run.TenantID] = append(m.runsTen[run.TenantID], run.ID)
	return run, nil
}

func (m *Memory) GetRun(ctx context.Context, tenantID, id string) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || run.TenantID != tenantID {
		return model.Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, nil
}

func (m *Memory) ListRuns(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.Run, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := []model.Run{}
	for _, id := range m.runsTen[tenantID] {
		run := m.runs[id]
		if status != "" && run.Status != status {
			continue
		}
		// listings omit the heavy parts
		run.Result, run.Metrics = nil, nil
		list = append(list, run)
	}
	items, next := page(list, func(r model.Run) string { return r.ID }, cursor, limit)
	return items, next, nil
}

func (m *Memory) StartRun(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || run.TenantID != tenantID {
		return fmt.Errorf("start run %s: %w", id, ErrNotFound)
	}
	now := time.Now().UTC()
	run.Status = model.RunRunning
	run.StartedAt = &now
	m.runs[id] = run
	return nil
}

func (m *Memory) FinishRun(ctx context.Context, tenantID, id string, fin model.RunFinish) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || run.TenantID != tenantID {
		return fmt.Errorf("finish run %s: %w", id, ErrNotFound)
	}
	now := time.Now().UTC()
	run.Status = fin.Status
	run.Error = fin.Error
	run.Result = fin.Result
	run.Metrics = fin.Metrics
	run.Summary = fin.Summary
	run.FinishedAt = &now
	m.runs[id] = run
	return nil
}

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}
	m.subs[req.TenantID] = append(m.subs[req.TenantID], s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs[tenantID] {
		for _, e := range s.Events {
			if e == eventType {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, next := page(m.subs[tenantID], func(s model.Subscription) string { return s.ID }, cursor, limit)
	return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	arr := m.subs[tenantID]
	out := make([]model.Subscription, 0, len(arr))
	for _, s := range arr {
		if s.ID != id {
			out = append(out, s)
		}
	}
	if len(out) == len(arr) {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	m.subs[tenantID] = out
	return nil
}

// Webhook deliveries
func (m *Memory) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dk := computeDedupKey(payload)
	for _, id := range m.deliveriesByTenant[tenantID] {
		d := m.deliveries[id]
		if d.Status != "failed" && d.EventType == eventType && d.URL == url && computeDedupKey(d.Payload) == dk {
			return d.ID, nil
		}
	}
	id := uuid.New().String()
	d := &memDelivery{
		WebhookDelivery: WebhookDelivery{ID: id, TenantID: tenantID, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"},
		NextAttemptAt:   time.Now(),
	}
	m.deliveries[id] = d
	m.deliveriesByTenant[tenantID] = append(m.deliveriesByTenant[tenantID], id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, ids := range m.deliveriesByTenant {
		for _, id := range ids {
			d := m.deliveries[id]
			if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
				out = append(out, d.WebhookDelivery)
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
		return nil
	}
	d.Status = "retry"
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = time.Now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	d.Attempts++
	d.Status = "failed"
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	m.dlq = append(m.dlq, memDeadLetter{
		DeadLetter: model.DeadLetter{
			ID: uuid.New().String(), DeliveryID: id, EventType: d.EventType, URL: d.URL,
			LastError: lastError, Attempts: d.Attempts, ResponseCode: responseCode, CreatedAt: time.Now().UTC(),
		},
		TenantID: d.TenantID,
		Secret:   d.Secret,
		Payload:  d.Payload,
	})
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.Delivery, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := []model.Delivery{}
	for _, id := range m.deliveriesByTenant[tenantID] {
		d := m.deliveries[id]
		if status != "" && d.Status != status {
			continue
		}
		list = append(list, model.Delivery{
			ID: d.ID, EventType: d.EventType, URL: d.URL, Status: d.Status, Attempts: d.Attempts,
			LastError: d.LastError, ResponseCode: d.ResponseCode, LatencyMs: d.LatencyMs,
			NextAttempt: d.NextAttemptAt, DeliveredAt: d.DeliveredAt,
		})
	}
	items, next := page(list, func(d model.Delivery) string { return d.ID }, cursor, limit)
	return items, next, nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil || d.TenantID != tenantID {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	d.Status = "pending"
	d.NextAttemptAt = time.Now()
	return nil
}

func (m *Memory) ListWebhookDLQ(ctx context.Context, tenantID, eventType, cursor string, limit int) ([]model.DeadLetter, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := []model.DeadLetter{}
	for _, dl := range m.dlq {
		if dl.TenantID == tenantID && (eventType == "" || dl.EventType == eventType) {
			list = append(list, dl.DeadLetter)
		}
	}
	items, next := page(list, func(d model.DeadLetter) string { return d.ID }, cursor, limit)
	return items, next, nil
}

// RequeueWebhookDLQ moves a dead letter back into the delivery queue as a fresh delivery.
func (m *Memory) RequeueWebhookDLQ(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	idx := -1
	for i, dl := range m.dlq {
		if dl.ID == id && dl.TenantID == tenantID {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	dl := m.dlq[idx]
	m.dlq = append(m.dlq[:idx], m.dlq[idx+1:]...)
	m.mu.Unlock()
	_, err := m.EnqueueWebhook(ctx, tenantID, "", dl.EventType, dl.URL, dl.Secret, dl.Payload)
	return err
}

func (m *Memory) GetSolverConfig(ctx context.Context, tenantID string) (*config.Solver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.solverCfg[tenantID]; ok {
		return &cfg, nil
	}
	return nil, nil
}

func (m *Memory) SaveSolverConfig(ctx context.Context, tenantID string, cfg config.Solver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.solverCfg[tenantID] = cfg
	return nil
}
