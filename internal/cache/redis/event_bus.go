package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/awickham/exitbot/internal/domain"
)

const (
	// eventChannel carries live lifecycle events over Pub/Sub.
	eventChannel = "exitbot:events"
	// eventStream keeps a trimmed durable trail of the same events for
	// offline inspection.
	eventStream = "exitbot:events:log"

	streamMaxLen int64 = 10000
)

// EventBus implements domain.SignalBus on Redis. Live delivery uses
// Pub/Sub; every event is also appended to a capped stream via XADD
// MAXLEN so a restart does not lose the recent trail.
type EventBus struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client, logger *slog.Logger) *EventBus {
	return &EventBus{
		rdb:    c.rdb,
		logger: logger.With(slog.String("component", "event_bus")),
	}
}

// Publish fans an event out to subscribers and appends it to the durable
// stream. A stream append failure is logged, not returned; live delivery
// is the contract.
func (b *EventBus) Publish(ctx context.Context, e domain.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, eventChannel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: eventStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		b.logger.Warn("event stream append failed", slog.String("error", err.Error()))
	}
	return nil
}

// Subscribe delivers events to handler from a background goroutine until
// the context is cancelled. Payloads that fail to decode are dropped with
// a log line.
func (b *EventBus) Subscribe(ctx context.Context, handler func(domain.Event)) error {
	pubsub := b.rdb.Subscribe(ctx, eventChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis: subscribe events: %w", err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var e domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					b.logger.Warn("dropping undecodable event", slog.String("error", err.Error()))
					continue
				}
				handler(e)
			}
		}
	}()
	return nil
}

// Close is a no-op; the shared Client owns the connection.
func (b *EventBus) Close() error {
	return nil
}

// Compile-time interface check.
var _ domain.SignalBus = (*EventBus)(nil)
