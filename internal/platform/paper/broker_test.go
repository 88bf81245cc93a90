package paper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awickham/exitbot/internal/domain"
)

type fakeCache struct {
	mu    sync.Mutex
	price float64
	at    time.Time
	// missFor makes the first n lookups fail, simulating a symbol whose
	// first tick has not landed yet.
	missFor int
	calls   int
}

func (c *fakeCache) SetPrice(_ context.Context, _ string, price float64, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.price, c.at = price, at
	return nil
}

func (c *fakeCache) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.missFor {
		return 0, time.Time{}, errors.New("no price for " + symbol)
	}
	return c.price, c.at, nil
}

func (c *fakeCache) GetPrices(_ context.Context, _ []string) (map[string]float64, error) {
	return nil, nil
}

func testBroker(cache *fakeCache) *Broker {
	b := NewBroker(cache, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.retryWait = time.Millisecond
	return b
}

func TestOpenMarketFillsAtCachedPrice(t *testing.T) {
	cache := &fakeCache{price: 64000, at: time.Now()}
	fill, err := testBroker(cache).OpenMarket(context.Background(), "BTC-USD", domain.SideLong, 100)
	require.NoError(t, err)
	assert.Equal(t, 64000.0, fill.Price)
}

func TestOpenMarketRetriesUntilFirstTick(t *testing.T) {
	cache := &fakeCache{price: 64000, at: time.Now(), missFor: 3}
	fill, err := testBroker(cache).OpenMarket(context.Background(), "BTC-USD", domain.SideLong, 100)
	require.NoError(t, err)
	assert.Equal(t, 64000.0, fill.Price)
	assert.Equal(t, 4, cache.calls)
}

func TestOpenMarketGivesUpWithoutQuote(t *testing.T) {
	cache := &fakeCache{missFor: 1000}
	_, err := testBroker(cache).OpenMarket(context.Background(), "BTC-USD", domain.SideLong, 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no quote for BTC-USD")
}

func TestQuoteRejectsStalePrice(t *testing.T) {
	cache := &fakeCache{price: 64000, at: time.Now().Add(-3 * time.Minute)}
	_, err := testBroker(cache).CloseMarket(context.Background(), domain.Position{Symbol: "BTC-USD", Side: domain.SideLong})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "old")
}
