package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/awickham/exitbot/internal/domain"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	Positions() []domain.Position
	Position(id string) (domain.Position, error)
	CloseByID(ctx context.Context, id string) (domain.Position, error)
	CloseAll(ctx context.Context) ([]domain.Position, error)
	History(ctx context.Context, limit int) ([]domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger,
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns the full position table.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.positions.Positions()
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns one position by id.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := h.positions.Position(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ClosePosition requests a manual close for one position.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := h.positions.CloseByID(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: close position failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CloseAll force-closes every open position.
// POST /api/positions/close_all
func (h *PositionHandler) CloseAll(w http.ResponseWriter, r *http.Request) {
	closed, err := h.positions.CloseAll(r.Context())
	if closed == nil {
		closed = []domain.Position{}
	}
	resp := map[string]any{"closed": closed}
	if err != nil {
		// Partial results still went through; report both.
		h.logger.ErrorContext(r.Context(), "handler: close all incomplete",
			slog.Int("closed", len(closed)),
			slog.String("error", err.Error()),
		)
		resp["error"] = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// History lists recently archived positions.
// GET /api/positions/history
func (h *PositionHandler) History(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.History(r.Context(), parseLimit(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list history failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}
