package api

import (
	"net/http"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// handleHealth verifies the database and cache are reachable. It returns
// 503 when any check fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := HealthResponse{Status: "ok", Checks: map[string]string{}}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			resp.Checks[name] = "error"
			resp.Status = "unhealthy"
			s.logger.ErrorContext(ctx, "health check failed", "check", name, "error", err)
			return
		}
		resp.Checks[name] = "ok"
	}
	if s.health != nil {
		check("database", func() error { return s.health.Ping(ctx) })
	}
	if s.cache != nil {
		check("cache", func() error { return s.cache.Ping(ctx) })
	}

	if resp.Status != "ok" {
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
