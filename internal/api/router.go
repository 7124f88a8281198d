package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/zwave-relay/internal/infrastructure/metrics"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealth)

	if s.metCfg.Enabled && s.registry != nil {
		path := s.metCfg.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, metrics.Handler(s.registry))
	}

	r.Get(s.wsCfg.Path, s.handleWebSocket)

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"driver":  s.ctrl.Status(),
		"clients": s.hub.ClientCount(),
	})
}
