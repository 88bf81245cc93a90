// Package notify delivers position lifecycle alerts to operators. Events
// from the engine are rendered into short human-readable messages and
// dispatched to all registered senders (Telegram, Discord), optionally
// filtered by event type so operators receive only the alerts they care
// about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/awickham/exitbot/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier renders engine events and dispatches them to one or more Senders.
// It maintains a set of allowed event types; Notify only forwards events
// whose type is in the allowed set, while Announce bypasses the filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders. Only
// events whose type appears in the events slice will be forwarded by Notify.
// If events is empty, all event types are allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify renders the event and sends it to all senders, unless the event
// type was filtered out. If no events were configured (empty list), all
// events pass.
func (n *Notifier) Notify(ctx context.Context, e domain.Event) error {
	if len(n.events) > 0 && !n.events[e.Type] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", e.Type),
		)
		return nil
	}

	title, message := formatEvent(e)
	return n.dispatch(ctx, title, message)
}

// Announce sends a notification to all senders regardless of the event
// filter. Used for startup and shutdown messages.
func (n *Notifier) Announce(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch iterates over all senders and sends the notification. Errors from
// individual senders are collected and returned as a combined error; a single
// sender failure does not prevent delivery to the remaining senders.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// formatEvent renders an engine event into a title and message body.
func formatEvent(e domain.Event) (title, message string) {
	var b strings.Builder
	if e.Symbol != "" {
		fmt.Fprintf(&b, "Symbol: %s\n", e.Symbol)
	}
	if e.Price != 0 {
		fmt.Fprintf(&b, "Price: %.4f\n", e.Price)
	}

	switch e.Type {
	case domain.EventPositionOpened:
		title = "Position opened"
	case domain.EventPositionClosed:
		title = "Position closed"
		if e.Reason != "" {
			fmt.Fprintf(&b, "Reason: %s\n", strings.ReplaceAll(e.Reason, "_", " "))
		}
		fmt.Fprintf(&b, "P&L: %+.2f USD\n", e.PnL)
	case domain.EventCloseFailed:
		title = "Close order FAILED"
	case domain.EventFeedStale:
		title = "Price feed stale"
	case domain.EventPersistenceFailed:
		title = "Snapshot persistence failing"
	default:
		title = e.Type
	}

	if e.Detail != "" {
		fmt.Fprintf(&b, "%s\n", e.Detail)
	}
	if !e.At.IsZero() {
		fmt.Fprintf(&b, "At: %s", e.At.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	return title, strings.TrimRight(b.String(), "\n")
}
