package handlers

import (
	"net/http"

	"github.com/reunia/facematch/internal/recognition"
)

// HealthHandler reports service liveness and recognition backend state.
type HealthHandler struct {
	recognition *recognition.Client
}

// NewHealthHandler creates a health handler. The recognition client may be
// nil when the service runs in fallback-only mode.
func NewHealthHandler(client *recognition.Client) *HealthHandler {
	return &HealthHandler{recognition: client}
}

// Check handles the health check endpoint. The service is healthy even when
// the recognition backend is down, because the fallback engine keeps
// submissions working.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{
		"status":      "ok",
		"recognition": "unavailable",
	}
	if h.recognition != nil {
		if _, err := h.recognition.CheckHealth(r.Context()); err == nil {
			resp["recognition"] = "ok"
		}
	}
	respondJSON(w, http.StatusOK, resp)
}
