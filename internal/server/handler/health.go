package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// HealthService is the slice of the engine the health endpoint reports on.
type HealthService interface {
	ActiveCount() int
	PaperTrading() bool
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	svc    HealthService
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. svc may be nil; the endpoint
// then reports monitoring as down.
func NewHealthHandler(svc HealthService, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{svc: svc, logger: logger}
}

// HealthCheck reports liveness, whether the engine is monitoring
// positions, and the live position count.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":     "ok",
		"monitoring": h.svc != nil,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if h.svc != nil {
		body["active_positions"] = h.svc.ActiveCount()
		body["paper_trading"] = h.svc.PaperTrading()
	}
	writeJSON(w, http.StatusOK, body)
}
