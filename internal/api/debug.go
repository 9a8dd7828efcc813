package api

import (
	"net/http"
	"time"

	"vrptwc/internal/buildinfo"
)

// DebugJSON reports build stamps and non-secret service settings.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"port":               s.Cfg.Port,
			"solveRateRps":       s.Cfg.SolveRateRPS,
			"solveRateBurst":     s.Cfg.SolveRateBurst,
			"webhookMaxAttempts": s.Cfg.WebhookMaxAttempts,
			"maxParallelRuns":    s.Cfg.MaxParallelRuns,
			"logLevel":           s.Cfg.LogLevel,
			"hasDatabaseUrl":     s.Cfg.DatabaseURL != "",
			"hasRedisUrl":        s.Cfg.RedisURL != "",
		},
		"solver": s.Solver,
	})
}
