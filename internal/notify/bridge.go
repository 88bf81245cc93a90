package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/awickham/exitbot/internal/domain"
)

// sendTimeout bounds a single delivery so a slow channel cannot back up the
// event stream.
const sendTimeout = 15 * time.Second

// Bridge subscribes to the engine's event bus and forwards each event to a
// Notifier. Delivery failures are logged and dropped; notifications are best
// effort and never feed back into the trading path.
type Bridge struct {
	bus      domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewBridge creates a Bridge between the given bus and notifier.
func NewBridge(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *Bridge {
	return &Bridge{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_bridge")),
	}
}

// Start begins forwarding events. It returns once the subscription is
// established; forwarding stops when ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	return b.bus.Subscribe(ctx, func(e domain.Event) {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()

		if err := b.notifier.Notify(sendCtx, e); err != nil {
			b.logger.Warn("event delivery failed",
				slog.String("event", e.Type),
				slog.String("error", err.Error()),
			)
		}
	})
}
