package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/metrics", s.handleMetrics)

		// Device reconciliation
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/", s.handleEnsureDevice)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Delete("/", s.handleDeleteDevice)
				r.Get("/health", s.handleDeviceHealth)
			})
		})

		// Proxies to simulated units
		r.Post("/badge/{id}", s.handleBadge)
		r.Post("/door/{id}/{action}", s.handleDoorAction)

		// Floor plans
		r.Route("/plans", func(r chi.Router) {
			r.Get("/", s.handleListPlans)
			r.Get("/{floorID}", s.handleGetPlan)
			r.Post("/{floorID}", s.handleSavePlan)
			r.Put("/{floorID}", s.handleSavePlan)
			r.Delete("/{floorID}", s.handleDeletePlan)
		})

		// Relay
		r.Get("/relay", s.handleRelay)
		r.Post("/relay/manual/{doorID}", s.handleManualOpen)

		// Monitoring stream
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": s.version,
		"runtime": s.runtime,
		"devices": s.registry.Count(),
		"clients": s.hub.ClientCount(),
	}
	if s.mqtt != nil {
		resp["mqtt"] = s.mqtt.IsConnected()
	}
	if s.relay != nil {
		resp["relay"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}
