package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// SolverRuns counts finished solver runs by outcome
	SolverRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "solver_runs_total", Help: "Finished solver runs by status."},
		[]string{"status"},
	)
	// SolverActiveRuns is the number of runs currently evolving
	SolverActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "solver_active_runs", Help: "Solver runs in progress."},
	)
	// SolverDuration records wall time per run in seconds
	SolverDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "solver_run_duration_seconds", Help: "Solver run duration in seconds.", Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}},
	)
	// SolverGenerations counts evolved generations across all runs
	SolverGenerations = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "solver_generations_total", Help: "Generations evolved across all runs."},
	)
	// SolverBestFitness is the best fitness of the last completed run per instance
	SolverBestFitness = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "solver_best_fitness", Help: "Best fitness of the last completed run."},
		[]string{"instance"},
	)
	// SolverRejected counts solve requests refused by admission control
	SolverRejected = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "solver_rejected_total", Help: "Solve requests rejected by the rate limiter."},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(SolverRuns)
		Registry.MustRegister(SolverActiveRuns)
		Registry.MustRegister(SolverDuration)
		Registry.MustRegister(SolverGenerations)
		Registry.MustRegister(SolverBestFitness)
		Registry.MustRegister(SolverRejected)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
