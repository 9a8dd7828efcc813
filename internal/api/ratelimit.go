package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// TenantLimiter keeps one token bucket per tenant.
type TenantLimiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

// NewTenantLimiter allows rps solve requests per second per tenant with the
// given burst. rps <= 0 disables limiting.
func NewTenantLimiter(rps float64, burst int) *TenantLimiter {
	if burst < 1 {
		burst = 1
	}
	l := rate.Limit(rps)
	if rps <= 0 {
		l = rate.Inf
	}
	return &TenantLimiter{rps: l, burst: burst, buckets: map[string]*rate.Limiter{}}
}

// Allow takes one token from the tenant's bucket.
func (t *TenantLimiter) Allow(tenant string) bool {
	t.mu.Lock()
	b, ok := t.buckets[tenant]
	if !ok {
		b = rate.NewLimiter(t.rps, t.burst)
		t.buckets[tenant] = b
	}
	t.mu.Unlock()
	return b.Allow()
}
