package domain

import (
	"context"
	"time"
)

// Fill is the execution result of a market order.
type Fill struct {
	Price float64
	Time  time.Time
}

// Broker places market orders on the venue. Implementations must honor
// context cancellation; a deadline expiry counts as a failed order.
type Broker interface {
	// OpenMarket buys or sells quote-denominated size and returns the fill.
	OpenMarket(ctx context.Context, symbol string, side Side, sizeUSD float64) (Fill, error)
	// CloseMarket unwinds the position's base quantity at market.
	CloseMarket(ctx context.Context, p Position) (Fill, error)
}
