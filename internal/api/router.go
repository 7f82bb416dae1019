package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
//
// Route paths are fixed wire contract with the operator UI and line
// integrations: /health, /api/protocols, /api/devices and the WebSocket
// endpoint. There is no version prefix.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Health check (no auth required)
	r.Get("/health", s.handleHealth)

	// WebSocket fan-out (key validated during the handshake so the
	// client receives a proper close frame rather than a 401 page)
	r.Get(s.wsPath(), s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/protocols", func(r chi.Router) {
			r.Get("/", s.handleListTemplates)
			r.Post("/", s.handleCreateTemplate)
			r.Post("/import", s.handleImportTemplate)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTemplate)
				r.Put("/", s.handleUpdateTemplate)
				r.Delete("/", s.handleDeleteTemplate)
				r.Get("/export", s.handleExportTemplate)
				r.Post("/test", s.handleTestTemplate)
				r.Post("/test-step", s.handleTestStep)
			})
		})

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/", s.handleCreateDevice)

			r.Route("/by-code/{code}", func(r chi.Router) {
				r.Get("/", s.handleGetDeviceByCode)
				r.Put("/", s.handleUpdateDeviceByCode)
				r.Delete("/", s.handleDeleteDeviceByCode)
			})

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Put("/", s.handleUpdateDevice)
				r.Delete("/", s.handleDeleteDevice)
				r.Post("/enable", s.handleEnableDevice)
				r.Post("/disable", s.handleDisableDevice)
				r.Post("/execute", s.handleExecuteStep)
			})
		})
	})

	return r
}

// wsPath returns the configured WebSocket path, defaulting to /ws.
func (s *Server) wsPath() string {
	if p := s.cfg.WebSocket.Path; p != "" {
		return p
	}
	return "/ws"
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
