package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"vrptwc/internal/config"
	"vrptwc/internal/store"
	"vrptwc/internal/webhooks"
)

type Server struct {
	Store   store.Store
	Pub     *webhooks.Publisher
	Broker  EventBroker
	Limiter *TenantLimiter
	// Solver holds the service-wide defaults; tenant config and request
	// overrides are applied on top.
	Solver config.Solver
	Cfg    config.Service

	runner *runner
}

// NewServer creates a Server. If cfg.DatabaseURL is empty, uses in-memory store.
func NewServer(cfg config.Service, solver config.Solver) (*Server, error) {
	var s store.Store
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("new server: %w", err)
		}
		if err := sp.MigrateDir("db/migrations"); err != nil {
			return nil, fmt.Errorf("new server: %w", err)
		}
		s = sp
	}
	var broker EventBroker = NewBroker()
	if cfg.RedisURL != "" {
		rb, err := NewRedisBroker(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Warn("redis broker unavailable, using in-process broker")
		} else {
			broker = rb
		}
	}
	srv := &Server{
		Store:   s,
		Pub:     webhooks.NewPublisher(s),
		Broker:  broker,
		Limiter: NewTenantLimiter(cfg.SolveRateRPS, cfg.SolveRateBurst),
		Solver:  solver,
		Cfg:     cfg,
	}
	srv.runner = newRunner(srv, cfg.MaxParallelRuns, 64)
	return srv, nil
}

// Shutdown stops accepting runs and waits for queued ones to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.runner.close(ctx)
}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Store, s.Cfg.WebhookMaxAttempts)
}

// Routes registers every endpoint on a new mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Instances
	mux.HandleFunc("/v1/instances", s.InstancesHandler)
	mux.HandleFunc("/v1/instances/", s.InstanceByIDHandler)

	// Solving
	mux.HandleFunc("/v1/solve", s.SolveHandler)
	mux.HandleFunc("/v1/runs", s.RunsIndexHandler)
	mux.HandleFunc("/v1/runs/ws", s.RunsWSHandler)
	mux.HandleFunc("/v1/runs/", s.RunByIDHandler) // includes /export.csv, /metrics, /events/stream
	mux.HandleFunc("/v1/solver/config", s.SolverConfigHandler)
	mux.HandleFunc("/v1/admin/solver/config", s.AdminSolverConfigHandler)

	// Subscriptions
	mux.HandleFunc("/v1/subscriptions", s.SubscriptionsHandler)
	mux.HandleFunc("/v1/subscriptions/", s.SubscriptionByIDHandler)

	// Admin
	mux.HandleFunc("/v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries/", s.WebhookDeliveryRetryHandler)
	mux.HandleFunc("/v1/admin/webhook-dlq", s.WebhookDLQHandler)
	mux.HandleFunc("/v1/admin/webhook-dlq/", s.WebhookDLQHandler)
	mux.HandleFunc("/v1/admin/run-metrics", s.RunMetricsHandler)
	mux.HandleFunc("/v1/admin/run-metrics/", s.RunMetricsHandler)

	// Health, metrics, docs
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.Handle("/metrics", MetricsHandler())
	mux.HandleFunc("/debug/info", s.DebugJSON)
	mux.HandleFunc("/openapi.yaml", s.OpenAPIHandler)
	mux.HandleFunc("/openapi.json", s.OpenAPIJSONHandler)
	mux.HandleFunc("/docs", s.DocsHandler)
	return mux
}
