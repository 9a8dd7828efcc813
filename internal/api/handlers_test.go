package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vrptwc/internal/config"
	"vrptwc/internal/model"
)

const toyInstance = `{
  "name": "toy",
  "vehicle_capacity": 10,
  "customer_0": {"coordinates": {"x": 0, "y": 0}, "demand": 0, "ready_time": 0, "due_time": 1000, "service_time": 0},
  "customer_1": {"coordinates": {"x": 10, "y": 0}, "demand": 3, "ready_time": 0, "due_time": 500, "service_time": 5},
  "customer_2": {"coordinates": {"x": 0, "y": 10}, "demand": 4, "ready_time": 0, "due_time": 500, "service_time": 5},
  "customer_3": {"coordinates": {"x": 10, "y": 10}, "demand": 2, "ready_time": 0, "due_time": 500, "service_time": 5}
}`

const smallParams = `{"populationSize": 6, "generations": 4, "eliteSize": 1, "tournamentSize": 2, "seed": 7}`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(config.Service{MaxParallelRuns: 1, WebhookMaxAttempts: 3}, config.Default())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func do(t *testing.T, h http.HandlerFunc, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func waitRun(t *testing.T, s *Server, tenant, id string) model.Run {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		run, err := s.Store.GetRun(context.Background(), tenant, id)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if run.Status == model.RunCompleted || run.Status == model.RunFailed {
			return run
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", id)
	return model.Run{}
}

func TestHealthReady(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

func TestInstancesCreateListGet(t *testing.T) {
	s := newTestServer(t)
	body := `{"name":"first","document":` + toyInstance + `}`
	rr := do(t, s.InstancesHandler, http.MethodPost, "/v1/instances", body, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: got %d %s", rr.Code, rr.Body.String())
	}
	var in model.Instance
	if err := json.Unmarshal(rr.Body.Bytes(), &in); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if in.Clients != 3 || in.Capacity != 10 || in.Name != "first" {
		t.Fatalf("unexpected instance: %+v", in)
	}

	rr = do(t, s.InstancesHandler, http.MethodGet, "/v1/instances?limit=5", "", nil)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), in.ID) {
		t.Fatalf("list: got %d %s", rr.Code, rr.Body.String())
	}

	rr = do(t, s.InstanceByIDHandler, http.MethodGet, "/v1/instances/"+in.ID, "", nil)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), "customer_2") {
		t.Fatalf("get: got %d %s", rr.Code, rr.Body.String())
	}

	// other tenants do not see it
	rr = do(t, s.InstanceByIDHandler, http.MethodGet, "/v1/instances/"+in.ID, "", map[string]string{"X-Tenant-Id": "t_other"})
	if rr.Code != 404 {
		t.Fatalf("cross-tenant get: got %d", rr.Code)
	}
}

func TestInstanceRejectsInvalidDocument(t *testing.T) {
	s := newTestServer(t)
	rr := do(t, s.InstancesHandler, http.MethodPost, "/v1/instances", `{"document":{"customer_0":{}}}`, nil)
	if rr.Code != 400 {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestViewerCannotSolve(t *testing.T) {
	s := newTestServer(t)
	body := `{"instance":` + toyInstance + `}`
	rr := do(t, s.SolveHandler, http.MethodPost, "/v1/solve", body, map[string]string{"Authorization": "Bearer t_demo:viewer"})
	if rr.Code != 403 {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestSolveValidation(t *testing.T) {
	s := newTestServer(t)
	cases := map[string]string{
		"neither":   `{}`,
		"both":      `{"instanceId":"x","instance":` + toyInstance + `}`,
		"runs":      `{"instance":` + toyInstance + `,"runs":99}`,
		"elite":     `{"instance":` + toyInstance + `,"params":{"populationSize":2,"eliteSize":5}}`,
		"neg alpha": `{"instance":` + toyInstance + `,"params":{"alpha":-1}}`,
		"oversized": `{"instance":` + toyInstance + `,"params":{"populationSize":2000000000,"generations":1000000000}}`,
	}
	for name, body := range cases {
		rr := do(t, s.SolveHandler, http.MethodPost, "/v1/solve", body, nil)
		if rr.Code != 400 {
			t.Fatalf("%s: expected 400, got %d %s", name, rr.Code, rr.Body.String())
		}
	}
	rr := do(t, s.SolveHandler, http.MethodPost, "/v1/solve", `{"instanceId":"missing"}`, nil)
	if rr.Code != 404 {
		t.Fatalf("missing instance: expected 404, got %d", rr.Code)
	}
}

func TestSolveRunLifecycle(t *testing.T) {
	s := newTestServer(t)
	body := `{"instance":` + toyInstance + `,"params":` + smallParams + `}`
	rr := do(t, s.SolveHandler, http.MethodPost, "/v1/solve", body, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("solve: got %d %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil || resp.RunID == "" {
		t.Fatalf("decode solve: %v %s", err, rr.Body.String())
	}

	run := waitRun(t, s, "t_demo", resp.RunID)
	if run.Status != model.RunCompleted {
		t.Fatalf("run failed: %s", run.Error)
	}
	if run.Result == nil || !run.Result.Complete {
		t.Fatalf("expected complete result, got %+v", run.Result)
	}
	served := 0
	for _, r := range run.Result.Routes {
		served += len(r)
	}
	if served != 3 {
		t.Fatalf("expected 3 served clients, got %d", served)
	}

	rr = do(t, s.RunByIDHandler, http.MethodGet, "/v1/runs/"+run.ID, "", nil)
	if rr.Code != 200 {
		t.Fatalf("get run: %d", rr.Code)
	}
	rr = do(t, s.RunByIDHandler, http.MethodGet, "/v1/runs/"+run.ID+"/export.csv", "", nil)
	if rr.Code != 200 || rr.Header().Get("Content-Type") != "text/csv" {
		t.Fatalf("export: got %d %q", rr.Code, rr.Header().Get("Content-Type"))
	}
	if !strings.Contains(rr.Body.String(), "toy") {
		t.Fatalf("csv missing instance name: %s", rr.Body.String())
	}
	rr = do(t, s.RunByIDHandler, http.MethodGet, "/v1/runs/"+run.ID+"/metrics", "", nil)
	if rr.Code != 200 {
		t.Fatalf("metrics: %d", rr.Code)
	}

	// stream of a finished run ends with its terminal event
	rr = do(t, s.RunByIDHandler, http.MethodGet, "/v1/runs/"+run.ID+"/events/stream", "", nil)
	if !strings.Contains(rr.Body.String(), "event: run.completed") {
		t.Fatalf("sse: %s", rr.Body.String())
	}
	if last, ok := s.Broker.Last(run.ID); ok && terminalEvent(last.Type) {
		t.Fatalf("broker kept terminal event %s", last.Type)
	}
	// a stream opened while the run looked active still ends with the stored outcome
	stale := run
	stale.Status = model.RunRunning
	rr = httptest.NewRecorder()
	s.streamRunEvents(rr, httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.ID+"/events/stream", nil), "t_demo", stale)
	if !strings.Contains(rr.Body.String(), "event: run.completed") {
		t.Fatalf("stale sse: %s", rr.Body.String())
	}

	rr = do(t, s.RunMetricsHandler, http.MethodGet, "/v1/admin/run-metrics", "", nil)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), run.ID) {
		t.Fatalf("run metrics: %d %s", rr.Code, rr.Body.String())
	}
	rr = do(t, s.RunMetricsHandler, http.MethodDelete, "/v1/admin/run-metrics/"+run.ID, "", nil)
	if rr.Code != 204 {
		t.Fatalf("forget metrics: %d", rr.Code)
	}
	// the stored copy still answers
	rr = do(t, s.RunByIDHandler, http.MethodGet, "/v1/runs/"+run.ID+"/metrics", "", nil)
	if rr.Code != 200 {
		t.Fatalf("stored metrics: %d", rr.Code)
	}

	rr = do(t, s.RunsIndexHandler, http.MethodGet, "/v1/runs?status=completed", "", nil)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), run.ID) {
		t.Fatalf("runs index: %d %s", rr.Code, rr.Body.String())
	}
}

func TestSolveMultiSeed(t *testing.T) {
	s := newTestServer(t)
	body := `{"instance":` + toyInstance + `,"params":` + smallParams + `,"runs":3}`
	rr := do(t, s.SolveHandler, http.MethodPost, "/v1/solve", body, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("solve: got %d %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	run := waitRun(t, s, "t_demo", resp["runId"].(string))
	if run.Status != model.RunCompleted {
		t.Fatalf("run failed: %s", run.Error)
	}
	if run.Summary == nil || run.Summary.Runs != 3 {
		t.Fatalf("expected summary over 3 runs, got %+v", run.Summary)
	}
}

func TestExportBeforeCompletion(t *testing.T) {
	s := newTestServer(t)
	run, err := s.Store.CreateRun(context.Background(), model.Run{TenantID: "t_demo", InstanceID: "i"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	rr := do(t, s.RunByIDHandler, http.MethodGet, "/v1/runs/"+run.ID+"/export.csv", "", nil)
	if rr.Code != 409 {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestSolveRateLimited(t *testing.T) {
	s := newTestServer(t)
	s.Limiter = NewTenantLimiter(0.001, 1)
	rr := do(t, s.SolveHandler, http.MethodPost, "/v1/solve", `{}`, nil)
	if rr.Code != 400 {
		t.Fatalf("first: expected 400, got %d", rr.Code)
	}
	rr = do(t, s.SolveHandler, http.MethodPost, "/v1/solve", `{}`, nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second: expected 429, got %d", rr.Code)
	}
	// limits are per tenant
	rr = do(t, s.SolveHandler, http.MethodPost, "/v1/solve", `{}`, map[string]string{"X-Tenant-Id": "t_other"})
	if rr.Code != 400 {
		t.Fatalf("other tenant: expected 400, got %d", rr.Code)
	}
}

func TestSolverConfigAdmin(t *testing.T) {
	s := newTestServer(t)
	rr := do(t, s.AdminSolverConfigHandler, http.MethodPut, "/v1/admin/solver/config", `{"generations": 7, "beta": 3}`, nil)
	if rr.Code != 200 {
		t.Fatalf("put: %d %s", rr.Code, rr.Body.String())
	}
	rr = do(t, s.SolverConfigHandler, http.MethodGet, "/v1/solver/config", "", nil)
	var cfg config.Solver
	if err := json.Unmarshal(rr.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Generations != 7 || cfg.Beta != 3 || cfg.Alpha != s.Solver.Alpha {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	rr = do(t, s.AdminSolverConfigHandler, http.MethodGet, "/v1/admin/solver/config", "", map[string]string{"Accept": "application/yaml"})
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), "generations: 7") {
		t.Fatalf("yaml get: %d %s", rr.Code, rr.Body.String())
	}
	rr = do(t, s.AdminSolverConfigHandler, http.MethodPut, "/v1/admin/solver/config", `{"mutationRate": 2}`, nil)
	if rr.Code != 400 {
		t.Fatalf("invalid put: expected 400, got %d", rr.Code)
	}
	rr = do(t, s.AdminSolverConfigHandler, http.MethodGet, "/v1/admin/solver/config", "", map[string]string{"X-Role": "dispatcher"})
	if rr.Code != 403 {
		t.Fatalf("dispatcher: expected 403, got %d", rr.Code)
	}
}

func TestSubscriptionsAndCompletionWebhook(t *testing.T) {
	s := newTestServer(t)
	rr := do(t, s.SubscriptionsHandler, http.MethodPost, "/v1/subscriptions", `{"url":"http://example.invalid/hook","events":["run.bogus"]}`, nil)
	if rr.Code != 400 {
		t.Fatalf("bad event: expected 400, got %d", rr.Code)
	}
	rr = do(t, s.SubscriptionsHandler, http.MethodPost, "/v1/subscriptions", `{"url":"http://example.invalid/hook","events":["run.completed"],"secret":"k"}`, nil)
	if rr.Code != 201 {
		t.Fatalf("create sub: %d %s", rr.Code, rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), `"secret"`) {
		t.Fatalf("secret leaked: %s", rr.Body.String())
	}
	var sub model.Subscription
	_ = json.Unmarshal(rr.Body.Bytes(), &sub)

	body := `{"instance":` + toyInstance + `,"params":` + smallParams + `}`
	rr = do(t, s.SolveHandler, http.MethodPost, "/v1/solve", body, nil)
	var resp map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	waitRun(t, s, "t_demo", resp["runId"].(string))

	// the webhook is enqueued right after the run is stored as finished
	deadline := time.Now().Add(5 * time.Second)
	for {
		rr = do(t, s.WebhookDeliveriesHandler, http.MethodGet, "/v1/admin/webhook-deliveries", "", nil)
		if rr.Code == 200 && strings.Contains(rr.Body.String(), "run.completed") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("deliveries: %d %s", rr.Code, rr.Body.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	rr = do(t, s.SubscriptionByIDHandler, http.MethodDelete, "/v1/subscriptions/"+sub.ID, "", nil)
	if rr.Code != 204 {
		t.Fatalf("delete: %d", rr.Code)
	}
	rr = do(t, s.SubscriptionByIDHandler, http.MethodDelete, "/v1/subscriptions/"+sub.ID, "", nil)
	if rr.Code != 404 {
		t.Fatalf("delete again: expected 404, got %d", rr.Code)
	}
}

func TestWebhookDLQRequeue(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	id, err := s.Store.EnqueueWebhook(ctx, "t_demo", "sub1", model.EventRunFailed, "http://example.invalid", "", []byte(`{"id":"evt_1"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Store.FailWebhookDelivery(ctx, id, "HTTP 500", 500, 3); err != nil {
		t.Fatalf("fail: %v", err)
	}
	rr := do(t, s.WebhookDLQHandler, http.MethodGet, "/v1/admin/webhook-dlq", "", nil)
	var page struct {
		Items []model.DeadLetter `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &page); err != nil || len(page.Items) != 1 {
		t.Fatalf("dlq list: %v %s", err, rr.Body.String())
	}
	rr = do(t, s.WebhookDLQHandler, http.MethodPost, "/v1/admin/webhook-dlq/"+page.Items[0].ID+"/requeue", "", nil)
	if rr.Code != 202 {
		t.Fatalf("requeue: %d %s", rr.Code, rr.Body.String())
	}
	rr = do(t, s.WebhookDLQHandler, http.MethodPost, "/v1/admin/webhook-dlq/"+page.Items[0].ID+"/requeue", "", nil)
	if rr.Code != 404 {
		t.Fatalf("requeue again: expected 404, got %d", rr.Code)
	}
	rr = do(t, s.WebhookDeliveriesHandler, http.MethodGet, "/v1/admin/webhook-deliveries?status=pending", "", nil)
	if !strings.Contains(rr.Body.String(), "pending") {
		t.Fatalf("requeued delivery missing: %s", rr.Body.String())
	}
}

func TestRoutesAndDocs(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()
	for _, path := range []string{"/healthz", "/openapi.yaml", "/openapi.json", "/docs", "/debug/info"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != 200 {
			t.Fatalf("%s: got %d", path, resp.StatusCode)
		}
	}
	resp, err := http.Post(srv.URL+"/v1/instances", "application/json", bytes.NewReader([]byte(`{"document":`+toyInstance+`}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != 201 {
		t.Fatalf("routed create: got %d", resp.StatusCode)
	}
}
