// Package paper implements domain.Broker with simulated fills taken from
// the price cache. It is the broker used when live trading is disabled,
// so the whole exit pipeline runs unchanged without touching the venue.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/awickham/exitbot/internal/domain"
)

const (
	// maxQuoteAge rejects simulated fills against a price nobody has
	// refreshed recently.
	maxQuoteAge = 2 * time.Minute

	// A symbol subscribed moments before the order may not have produced
	// its first tick yet, so a missing quote is retried briefly.
	quoteAttempts  = 5
	quoteRetryWait = 200 * time.Millisecond
)

// Broker fills every order instantly at the last cached price.
type Broker struct {
	prices    domain.PriceCache
	logger    *slog.Logger
	now       func() time.Time
	retryWait time.Duration
}

// NewBroker creates a paper broker backed by the shared price cache.
func NewBroker(prices domain.PriceCache, logger *slog.Logger) *Broker {
	return &Broker{
		prices:    prices,
		logger:    logger.With(slog.String("component", "paper_broker")),
		now:       time.Now,
		retryWait: quoteRetryWait,
	}
}

func (b *Broker) quote(ctx context.Context, symbol string) (domain.Fill, error) {
	var lastErr error
	for attempt := 0; attempt < quoteAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return domain.Fill{}, ctx.Err()
			case <-time.After(b.retryWait):
			}
		}
		price, at, err := b.prices.GetPrice(ctx, symbol)
		if err != nil {
			lastErr = err
			continue
		}
		if age := b.now().Sub(at); age > maxQuoteAge {
			return domain.Fill{}, fmt.Errorf("paper: quote for %s is %s old", symbol, age.Round(time.Second))
		}
		return domain.Fill{Price: price, Time: b.now().UTC()}, nil
	}
	return domain.Fill{}, fmt.Errorf("paper: no quote for %s: %w", symbol, lastErr)
}

// OpenMarket simulates an entry fill at the cached price.
func (b *Broker) OpenMarket(ctx context.Context, symbol string, side domain.Side, sizeUSD float64) (domain.Fill, error) {
	fill, err := b.quote(ctx, symbol)
	if err != nil {
		return domain.Fill{}, err
	}
	b.logger.Info("paper fill",
		slog.String("symbol", symbol),
		slog.String("side", string(side)),
		slog.Float64("size_usd", sizeUSD),
		slog.Float64("price", fill.Price),
	)
	return fill, nil
}

// CloseMarket simulates an exit fill at the cached price.
func (b *Broker) CloseMarket(ctx context.Context, p domain.Position) (domain.Fill, error) {
	fill, err := b.quote(ctx, p.Symbol)
	if err != nil {
		return domain.Fill{}, err
	}
	b.logger.Info("paper fill",
		slog.String("symbol", p.Symbol),
		slog.String("side", string(p.Side)),
		slog.Float64("quantity", p.Quantity),
		slog.Float64("price", fill.Price),
	)
	return fill, nil
}

// Compile-time interface check.
var _ domain.Broker = (*Broker)(nil)
