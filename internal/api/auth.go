// Package api implements HTTP handlers and helpers for the solver service.
package api

import (
	"net/http"
	"strings"
)

type Principal struct {
	Tenant string
	Role   string // admin, dispatcher, viewer
}

// getPrincipal extracts tenant and role.
// - Authorization: Bearer tenant:role (dev token) wins when well formed.
// - Else X-Tenant-Id / X-Role headers, defaulting to t_demo / admin.
func (s *Server) getPrincipal(r *http.Request) Principal {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		if tenant, role, ok := strings.Cut(tok, ":"); ok && tenant != "" && role != "" {
			return Principal{Tenant: tenant, Role: strings.ToLower(role)}
		}
	}
	tenant := strings.TrimSpace(r.Header.Get("X-Tenant-Id"))
	role := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Role")))
	if tenant == "" {
		tenant = "t_demo"
	}
	if role == "" {
		role = "admin"
	}
	return Principal{Tenant: tenant, Role: role}
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }

// CanSolve reports whether the principal may start runs and register instances.
func (p Principal) CanSolve() bool { return p.IsAdmin() || p.Role == "dispatcher" }
