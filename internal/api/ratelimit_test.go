package api

import "testing"

func TestTenantLimiter(t *testing.T) {
	l := NewTenantLimiter(0.001, 2)
	if !l.Allow("a") || !l.Allow("a") {
		t.Fatalf("burst of 2 must pass")
	}
	if l.Allow("a") {
		t.Fatalf("third request must be limited")
	}
	if !l.Allow("b") {
		t.Fatalf("tenants have separate buckets")
	}
	open := NewTenantLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !open.Allow("a") {
			t.Fatalf("rps 0 disables limiting")
		}
	}
}
