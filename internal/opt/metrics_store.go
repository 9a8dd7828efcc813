package opt

import "sync"

// MaxRecordedRuns bounds the in-process metrics store; the oldest recorded
// run is evicted first. Runs keep their persisted metrics in the run store.
const MaxRecordedRuns = 256

type metricsKey struct {
	Tenant string
	RunID  string
}

var (
	metricsMu    sync.Mutex
	metricsByRun = map[metricsKey]Metrics{}
	metricsOrder []metricsKey // insertion order, oldest first
)

// RecordMetrics keeps the latest metrics of a run in process.
func RecordMetrics(tenant, runID string, m Metrics) {
	k := metricsKey{Tenant: tenant, RunID: runID}
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if _, ok := metricsByRun[k]; !ok {
		metricsOrder = append(metricsOrder, k)
	}
	metricsByRun[k] = m
	for len(metricsOrder) > MaxRecordedRuns {
		delete(metricsByRun, metricsOrder[0])
		metricsOrder = metricsOrder[1:]
	}
}

// GetMetrics returns the recorded metrics of a run.
func GetMetrics(tenant, runID string) (Metrics, bool) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	m, ok := metricsByRun[metricsKey{Tenant: tenant, RunID: runID}]
	return m, ok
}

// TenantMetrics returns every recorded run of a tenant keyed by run id.
func TenantMetrics(tenant string) map[string]Metrics {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	out := map[string]Metrics{}
	for k, v := range metricsByRun {
		if k.Tenant == tenant {
			out[k.RunID] = v
		}
	}
	return out
}

// ForgetMetrics drops a run's metrics.
func ForgetMetrics(tenant, runID string) {
	k := metricsKey{Tenant: tenant, RunID: runID}
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if _, ok := metricsByRun[k]; !ok {
		return
	}
	delete(metricsByRun, k)
	for i, o := range metricsOrder {
		if o == k {
			metricsOrder = append(metricsOrder[:i], metricsOrder[i+1:]...)
			break
		}
	}
}
