package domain

import (
	"context"
	"time"
)

// PriceCache shares the latest observed prices across components and, in
// paper mode, supplies simulated fills.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, at time.Time) error
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// Event is a lifecycle notification published on the signal bus.
type Event struct {
	Type       string    `json:"type"`
	PositionID string    `json:"position_id,omitempty"`
	Symbol     string    `json:"symbol,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Price      float64   `json:"price,omitempty"`
	PnL        float64   `json:"pnl,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Event types published by the engine.
const (
	EventPositionOpened    = "position_opened"
	EventPositionClosed    = "position_closed"
	EventCloseFailed       = "close_failed"
	EventFeedStale         = "feed_stale"
	EventPersistenceFailed = "persistence_failed"
)

// SignalBus fans lifecycle events out to subscribers (notifiers, other
// processes). Publish never blocks the caller's critical path.
type SignalBus interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(ctx context.Context, handler func(Event)) error
	Close() error
}
