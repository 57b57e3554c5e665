package handler

import (
	"net/http"

	"github.com/obot-platform/leadqueue/server/internal/version"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Health reports liveness and the running version. It sits outside /api so
// probes need no API key.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.JSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: version.Get()})
}
