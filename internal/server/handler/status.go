package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/awickham/exitbot/internal/service"
)

// StatusService defines what the status handler requires.
type StatusService interface {
	Status(ctx context.Context) service.StatusReport
}

// StatusHandler serves the engine status endpoint.
type StatusHandler struct {
	status StatusService
	logger *slog.Logger
}

// NewStatusHandler creates a StatusHandler with the given service and logger.
func NewStatusHandler(status StatusService, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		status: status,
		logger: logger,
	}
}

// GetStatus returns the position table enriched with live prices,
// unrealized P&L and feed staleness flags.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status.Status(r.Context()))
}
