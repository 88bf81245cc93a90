// Package feed bridges venue market data streams into domain ticks.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/awickham/exitbot/internal/domain"
	"github.com/awickham/exitbot/internal/platform/coinbase"
)

// TickHandler is called for each price tick (dispatcher + price cache).
type TickHandler func(ctx context.Context, t domain.Tick)

// CoinbaseFeed connects to the Coinbase market data WebSocket, subscribes
// to the ticker channel for tracked products, and invokes the handler on
// each update. The underlying client reconnects and resubscribes on
// disconnect; new products can be added while running.
type CoinbaseFeed struct {
	wsURL  string
	onTick TickHandler
	prices domain.PriceCache
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	client *coinbase.WSClient

	closeOnce sync.Once
	done      chan struct{}
}

// NewCoinbaseFeed creates a feed. prices may be nil; when set, every tick
// is mirrored into the cache before the handler runs.
func NewCoinbaseFeed(wsURL string, onTick TickHandler, prices domain.PriceCache, logger *slog.Logger) *CoinbaseFeed {
	return &CoinbaseFeed{
		wsURL:  wsURL,
		onTick: onTick,
		prices: prices,
		logger: logger.With(slog.String("component", "coinbase_feed")),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// EnsureSubscribed adds products to the ticker subscription. Safe to call
// before and while the feed runs.
func (f *CoinbaseFeed) EnsureSubscribed(products ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client == nil {
		f.client = coinbase.NewWSClient(f.wsURL)
	}
	return f.client.Subscribe(products)
}

// Run connects and streams until ctx is cancelled.
func (f *CoinbaseFeed) Run(ctx context.Context) error {
	f.mu.Lock()
	if f.client == nil {
		f.client = coinbase.NewWSClient(f.wsURL)
	}
	client := f.client
	f.mu.Unlock()
	defer client.Close()

	client.OnTicker(func(tk coinbase.Ticker) {
		t := domain.Tick{
			Symbol:    tk.ProductID,
			Price:     tk.Price,
			Timestamp: f.now().UTC(),
		}
		if f.prices != nil {
			if err := f.prices.SetPrice(context.Background(), t.Symbol, t.Price, t.Timestamp); err != nil {
				f.logger.Warn("price cache update failed",
					slog.String("symbol", t.Symbol),
					slog.String("error", err.Error()),
				)
			}
		}
		if f.onTick != nil {
			f.onTick(context.Background(), t)
		}
	})
	client.OnDisconnect(func(err error) {
		f.logger.Warn("coinbase ws disconnected, reconnecting",
			slog.String("error", err.Error()),
		)
	})

	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err := client.Connect(connCtx)
	cancel()
	if err != nil {
		return err
	}
	f.logger.Info("coinbase ws connected", slog.String("url", f.wsURL))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return nil
	}
}

// Close stops the feed.
func (f *CoinbaseFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
