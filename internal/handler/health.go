package handler

import (
	"net/http"
	"sync/atomic"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	responder string
	sockets   *SocketHandler
	draining  atomic.Bool
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(responder string, sockets *SocketHandler) *HealthHandler {
	return &HealthHandler{
		responder: responder,
		sockets:   sockets,
	}
}

// Drain makes Ready report not ready.
func (h *HealthHandler) Drain() {
	h.draining.Store(true)
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "shutting down",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"responder": h.responder,
		"sockets":   h.sockets.Active(),
	})
}
