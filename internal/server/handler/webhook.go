package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/awickham/exitbot/internal/domain"
	"github.com/awickham/exitbot/internal/service"
)

// maxWebhookBody caps inbound alert payloads.
const maxWebhookBody = 1 << 16

// SignalProcessor defines what the webhook handler requires.
type SignalProcessor interface {
	HandleSignal(ctx context.Context, sig domain.Signal) (service.SignalResult, error)
}

// WebhookHandler receives TradingView-style alerts.
type WebhookHandler struct {
	signals SignalProcessor
	logger  *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler with the given service and logger.
func NewWebhookHandler(signals SignalProcessor, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		signals: signals,
		logger:  logger,
	}
}

// Receive parses and executes one alert.
// POST /webhook
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	var sig domain.Signal
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err := dec.Decode(&sig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	sig.Action = domain.SignalAction(strings.ToUpper(string(sig.Action)))
	sig.ReceivedAt = time.Now().UTC()

	result, err := h.signals.HandleSignal(r.Context(), sig)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: signal failed",
			slog.String("action", string(sig.Action)),
			slog.String("symbol", sig.Symbol),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
