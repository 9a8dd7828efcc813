package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"vrptwc/internal/config"
	"vrptwc/internal/instance"
	"vrptwc/internal/metrics"
	"vrptwc/internal/model"
	"vrptwc/internal/opt"
	"vrptwc/internal/store"
)

// maxDocumentBytes bounds instance documents accepted over HTTP.
const maxDocumentBytes = 8 << 20

func notFoundOr500(w http.ResponseWriter, r *http.Request, title string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, 404, "Not Found", err.Error(), r.URL.Path)
		return
	}
	writeProblem(w, 500, title, err.Error(), r.URL.Path)
}

// storeInstance validates an instance document and persists it.
func (s *Server) storeInstance(ctx context.Context, tenant, name string, doc []byte) (model.Instance, error) {
	in, err := instance.DecodeJSON(bytes.NewReader(doc))
	if err != nil {
		return model.Instance{}, err
	}
	if _, err := in.Problem(s.Solver.Alpha, s.Solver.Beta); err != nil {
		return model.Instance{}, err
	}
	if name == "" {
		name = in.Name
	}
	return s.Store.CreateInstance(ctx, model.Instance{
		TenantID: tenant,
		Name:     name,
		Clients:  len(in.Clients),
		Capacity: in.Capacity,
		Pairs:    len(in.Pairs),
		Document: json.RawMessage(doc),
	})
}

// InstancesHandler registers (POST) and lists (GET) problem instances.
func (s *Server) InstancesHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	switch r.Method {
	case http.MethodPost:
		if !p.CanSolve() {
			writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path)
			return
		}
		var req model.InstanceRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDocumentBytes)).Decode(&req); err != nil {
			writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if len(req.Document) == 0 {
			writeProblem(w, 400, "Validation failed", "document is required", r.URL.Path)
			return
		}
		in, err := s.storeInstance(r.Context(), p.Tenant, req.Name, req.Document)
		if err != nil {
			if errors.Is(err, instance.ErrInvalidInstance) {
				writeProblem(w, 400, "Invalid instance", err.Error(), r.URL.Path)
				return
			}
			writeProblem(w, 500, "Create instance failed", err.Error(), r.URL.Path)
			return
		}
		in.Document = nil
		writeJSON(w, 201, in)
	case http.MethodGet:
		cursor, limit := pageParams(r)
		items, next, err := s.Store.ListInstances(r.Context(), p.Tenant, cursor, limit)
		if err != nil {
			writeProblem(w, 500, "List instances failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(405)
	}
}

// InstanceByIDHandler returns one instance including its document.
func (s *Server) InstanceByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(405)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/instances/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	in, err := s.Store.GetInstance(r.Context(), s.getPrincipal(r).Tenant, id)
	if err != nil {
		notFoundOr500(w, r, "Get instance failed", err)
		return
	}
	writeJSON(w, 200, in)
}

// solverFor merges service defaults, the tenant's saved config and request overrides.
func (s *Server) solverFor(ctx context.Context, tenant string, o config.Overrides) (config.Solver, error) {
	base := s.Solver
	saved, err := s.Store.GetSolverConfig(ctx, tenant)
	if err != nil {
		return config.Solver{}, err
	}
	if saved != nil {
		base = *saved
	}
	merged := o.Apply(base)
	return merged, merged.Validate()
}

// SolveHandler queues a run (POST /v1/solve). The response is 202 with the run id.
func (s *Server) SolveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(405)
		return
	}
	p := s.getPrincipal(r)
	if !p.CanSolve() {
		writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	if !s.Limiter.Allow(p.Tenant) {
		metrics.SolverRejected.Inc()
		w.Header().Set("Retry-After", "1")
		writeProblem(w, 429, "Too Many Requests", "solve rate exceeded for tenant "+p.Tenant, r.URL.Path)
		return
	}
	var req model.SolveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDocumentBytes)).Decode(&req); err != nil {
		writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := validateSolveRequest(&req); err != nil {
		writeProblem(w, 400, "Validation failed", err.Error(), r.URL.Path)
		return
	}
	params, err := s.solverFor(r.Context(), p.Tenant, req.Params)
	if err != nil {
		if errors.Is(err, opt.ErrInvalidConfig) {
			writeProblem(w, 400, "Invalid parameters", err.Error(), r.URL.Path)
			return
		}
		writeProblem(w, 500, "Load solver config failed", err.Error(), r.URL.Path)
		return
	}

	var inst model.Instance
	if req.InstanceID != "" {
		inst, err = s.Store.GetInstance(r.Context(), p.Tenant, req.InstanceID)
		if err != nil {
			notFoundOr500(w, r, "Get instance failed", err)
			return
		}
	} else {
		inst, err = s.storeInstance(r.Context(), p.Tenant, "", req.Instance)
		if err != nil {
			if errors.Is(err, instance.ErrInvalidInstance) {
				writeProblem(w, 400, "Invalid instance", err.Error(), r.URL.Path)
				return
			}
			writeProblem(w, 500, "Create instance failed", err.Error(), r.URL.Path)
			return
		}
	}

	run, err := s.Store.CreateRun(r.Context(), model.Run{TenantID: p.Tenant, InstanceID: inst.ID, Params: params, Runs: req.Runs})
	if err != nil {
		writeProblem(w, 500, "Create run failed", err.Error(), r.URL.Path)
		return
	}
	if err := s.runner.submit(job{run: run, doc: inst.Document}); err != nil {
		metrics.SolverRejected.Inc()
		_ = s.Store.FinishRun(r.Context(), p.Tenant, run.ID, model.RunFinish{Status: model.RunFailed, Error: err.Error()})
		writeProblem(w, 503, "Service Unavailable", err.Error(), r.URL.Path)
		return
	}
	log.WithFields(log.Fields{"run_id": run.ID, "tenant": p.Tenant, "instance_id": inst.ID, "runs": req.Runs}).Info("run queued")
	writeJSON(w, 202, map[string]any{"runId": run.ID, "instanceId": inst.ID, "status": run.Status})
}

// RunsIndexHandler lists runs of the tenant, optionally filtered by status.
func (s *Server) RunsIndexHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(405)
		return
	}
	cursor, limit := pageParams(r)
	items, next, err := s.Store.ListRuns(r.Context(), s.getPrincipal(r).Tenant, r.URL.Query().Get("status"), cursor, limit)
	if err != nil {
		writeProblem(w, 500, "List runs failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

// RunByIDHandler serves /v1/runs/{id} and its sub-resources.
func (s *Server) RunByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(405)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	run, err := s.Store.GetRun(r.Context(), p.Tenant, id)
	if err != nil {
		notFoundOr500(w, r, "Get run failed", err)
		return
	}
	switch sub {
	case "":
		writeJSON(w, 200, run)
	case "export.csv":
		if run.Status != model.RunCompleted || run.Result == nil {
			writeProblem(w, 409, "Run not completed", "status is "+run.Status, r.URL.Path)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "run-"+run.ID+".csv"))
		if err := instance.WriteCSV(w, run.Result.Report); err != nil {
			log.WithError(err).WithField("run_id", run.ID).Warn("write csv")
		}
	case "metrics":
		if m, ok := opt.GetMetrics(p.Tenant, run.ID); ok {
			writeJSON(w, 200, m)
			return
		}
		if run.Metrics == nil {
			writeProblem(w, 409, "Run not completed", "status is "+run.Status, r.URL.Path)
			return
		}
		writeJSON(w, 200, run.Metrics)
	case "events/stream":
		s.streamRunEvents(w, r, p.Tenant, run)
	default:
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
	}
}

func writeSSE(w http.ResponseWriter, evt SSEEvent) error {
	b, err := json.Marshal(evt.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, b)
	return err
}

func terminalEvent(t string) bool {
	return t == model.EventRunCompleted || t == model.EventRunFailed
}

// finishedEvent builds the terminal event of a run from its stored state.
func finishedEvent(run model.Run) (SSEEvent, bool) {
	switch run.Status {
	case model.RunCompleted:
		data := map[string]any{"runId": run.ID, "instanceId": run.InstanceID}
		if run.Result != nil {
			data["fitness"] = run.Result.Report.Total
			data["vehicles"] = run.Result.Report.Vehicles
		}
		return SSEEvent{Type: model.EventRunCompleted, Data: data}, true
	case model.RunFailed:
		data := map[string]any{"runId": run.ID, "instanceId": run.InstanceID, "error": run.Error}
		return SSEEvent{Type: model.EventRunFailed, Data: data}, true
	}
	return SSEEvent{}, false
}

// subscribeRun subscribes to runID and then re-reads the run, so a run that
// finished in between is reported by its stored terminal event.
func (s *Server) subscribeRun(ctx context.Context, tenant, runID string) (chan SSEEvent, SSEEvent, bool) {
	ch := s.Broker.Subscribe(runID)
	if run, err := s.Store.GetRun(ctx, tenant, runID); err == nil {
		if evt, done := finishedEvent(run); done {
			return ch, evt, true
		}
	}
	return ch, SSEEvent{}, false
}

// streamRunEvents sends run progress as server-sent events until the run ends
// or the client goes away.
func (s *Server) streamRunEvents(w http.ResponseWriter, r *http.Request, tenant string, run model.Run) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if evt, done := finishedEvent(run); done {
		_ = writeSSE(w, evt)
		flusher.Flush()
		return
	}

	ch, fin, done := s.subscribeRun(r.Context(), tenant, run.ID)
	defer s.Broker.Unsubscribe(run.ID, ch)
	if done {
		_ = writeSSE(w, fin)
		flusher.Flush()
		return
	}
	if last, ok := s.Broker.Last(run.ID); ok && !terminalEvent(last.Type) {
		_ = writeSSE(w, last)
	}
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, evt); err != nil {
				return
			}
			flusher.Flush()
			if terminalEvent(evt.Type) {
				return
			}
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// SolverConfigHandler returns the effective solver config of the caller's tenant.
func (s *Server) SolverConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(405)
		return
	}
	cfg, err := s.solverFor(r.Context(), s.getPrincipal(r).Tenant, config.Overrides{})
	if err != nil {
		writeProblem(w, 500, "Load solver config failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, cfg)
}

// AdminSolverConfigHandler reads (GET) or replaces (PUT) the tenant's solver config.
// PUT bodies are overrides on top of the current effective config.
func (s *Server) AdminSolverConfigHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		cfg, err := s.Store.GetSolverConfig(r.Context(), p.Tenant)
		if err != nil {
			writeProblem(w, 500, "Load solver config failed", err.Error(), r.URL.Path)
			return
		}
		isDefault := cfg == nil
		if isDefault {
			cfg = &s.Solver
		}
		if strings.Contains(r.Header.Get("Accept"), "yaml") {
			w.Header().Set("Content-Type", "application/yaml")
			if err := config.Encode(w, *cfg); err != nil {
				log.WithError(err).Warn("encode solver config")
			}
			return
		}
		writeJSON(w, 200, map[string]any{"tenantId": p.Tenant, "config": cfg, "default": isDefault})
	case http.MethodPut:
		var o config.Overrides
		if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
			writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		cfg, err := s.solverFor(r.Context(), p.Tenant, o)
		if err != nil {
			if errors.Is(err, opt.ErrInvalidConfig) {
				writeProblem(w, 400, "Invalid parameters", err.Error(), r.URL.Path)
				return
			}
			writeProblem(w, 500, "Load solver config failed", err.Error(), r.URL.Path)
			return
		}
		if err := s.Store.SaveSolverConfig(r.Context(), p.Tenant, cfg); err != nil {
			writeProblem(w, 500, "Save solver config failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"tenantId": p.Tenant, "config": cfg, "default": false})
	default:
		w.WriteHeader(405)
	}
}

// SubscriptionsHandler registers (POST, admin) and lists (GET) webhook subscriptions.
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	switch r.Method {
	case http.MethodPost:
		if !p.IsAdmin() {
			writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
			return
		}
		var req model.SubscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateSubscription(&req); err != nil {
			writeProblem(w, 400, "Validation failed", err.Error(), r.URL.Path)
			return
		}
		req.TenantID = p.Tenant
		sub, err := s.Store.CreateSubscription(r.Context(), req)
		if err != nil {
			writeProblem(w, 500, "Create subscription failed", err.Error(), r.URL.Path)
			return
		}
		sub.Secret = ""
		writeJSON(w, 201, sub)
	case http.MethodGet:
		cursor, limit := pageParams(r)
		items, next, err := s.Store.ListSubscriptions(r.Context(), p.Tenant, cursor, limit)
		if err != nil {
			writeProblem(w, 500, "List subscriptions failed", err.Error(), r.URL.Path)
			return
		}
		for i := range items {
			items[i].Secret = ""
		}
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(405)
	}
}

// SubscriptionByIDHandler deletes a subscription (admin).
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(405)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if err := s.Store.DeleteSubscription(r.Context(), p.Tenant, id); err != nil {
		notFoundOr500(w, r, "Delete subscription failed", err)
		return
	}
	w.WriteHeader(204)
}

// WebhookDeliveriesHandler lists webhook deliveries (admin).
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(405)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	cursor, limit := pageParams(r)
	items, next, err := s.Store.ListWebhookDeliveries(r.Context(), p.Tenant, r.URL.Query().Get("status"), cursor, limit)
	if err != nil {
		writeProblem(w, 500, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

// WebhookDeliveryRetryHandler handles POST /v1/admin/webhook-deliveries/{id}/retry.
func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(405)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	id, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/"), "/retry")
	if !ok || id == "" {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	if err := s.Store.RetryWebhookDelivery(r.Context(), p.Tenant, id); err != nil {
		notFoundOr500(w, r, "Retry failed", err)
		return
	}
	writeJSON(w, 202, map[string]string{"id": id, "status": "pending"})
}

// WebhookDLQHandler lists dead letters (GET /v1/admin/webhook-dlq) and requeues
// one (POST /v1/admin/webhook-dlq/{id}/requeue).
func (s *Server) WebhookDLQHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	rest := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-dlq"), "/")
	if rest == "" {
		if r.Method != http.MethodGet {
			w.WriteHeader(405)
			return
		}
		cursor, limit := pageParams(r)
		items, next, err := s.Store.ListWebhookDLQ(r.Context(), p.Tenant, r.URL.Query().Get("eventType"), cursor, limit)
		if err != nil {
			writeProblem(w, 500, "List DLQ failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
		return
	}
	id, ok := strings.CutSuffix(rest, "/requeue")
	if !ok || id == "" {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(405)
		return
	}
	if err := s.Store.RequeueWebhookDLQ(r.Context(), p.Tenant, id); err != nil {
		notFoundOr500(w, r, "Requeue failed", err)
		return
	}
	writeJSON(w, 202, map[string]string{"id": id, "status": "requeued"})
}

// RunMetricsHandler lists in-process metrics of the tenant's runs
// (GET /v1/admin/run-metrics) and drops one (DELETE /v1/admin/run-metrics/{runId}).
func (s *Server) RunMetricsHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/admin/run-metrics"), "/")
	switch {
	case r.Method == http.MethodGet && id == "":
		writeJSON(w, 200, opt.TenantMetrics(p.Tenant))
	case r.Method == http.MethodDelete && id != "":
		if _, ok := opt.GetMetrics(p.Tenant, id); !ok {
			writeProblem(w, 404, "Not Found", "no metrics for run "+id, r.URL.Path)
			return
		}
		opt.ForgetMetrics(p.Tenant, id)
		w.WriteHeader(204)
	default:
		w.WriteHeader(405)
	}
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	// Check DB connectivity when using Postgres store
	type pinger interface {
		Ping(ctx context.Context) error
	}
	if pg, ok := s.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := pg.Ping(ctx); err != nil {
			writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, 200, map[string]string{"status": "ready"})
}

// MetricsHandler exposes the service registry.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
}
