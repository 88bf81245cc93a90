package service

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

	"github.com/awickham/exitbot/internal/dispatcher"
	"github.com/awickham/exitbot/internal/domain"
	"github.com/awickham/exitbot/internal/position"
)

type memStore struct {
	mu   sync.Mutex
	last []domain.Position
}

func (s *memStore) Save(_ context.Context, positions []domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = append([]domain.Position(nil), positions...)
	return nil
}

func (s *memStore) Load(_ context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Position(nil), s.last...), nil
}

type stubBroker struct {
	mu        sync.Mutex
	fill      domain.Fill
	openErr   error
	closeErrs map[string]error
}

func (b *stubBroker) OpenMarket(_ context.Context, _ string, _ domain.Side, _ float64) (domain.Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fill, b.openErr
}

func (b *stubBroker) CloseMarket(_ context.Context, p domain.Position) (domain.Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.closeErrs[p.Symbol]; ok {
		return domain.Fill{}, err
	}
	return b.fill, nil
}

type stubSubscriber struct {
	mu       sync.Mutex
	products []string
}

func (s *stubSubscriber) EnsureSubscribed(products ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products = append(s.products, products...)
	return nil
}

func testService(t *testing.T, broker *stubBroker) (*TradeService, *stubSubscriber) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := position.NewManager(
		position.Config{MaxConcurrent: 5, MaxLeverage: 10, Retention: time.Hour},
		broker, &memStore{}, nil, nil, logger,
	)
	disp := dispatcher.New(dispatcher.Config{}, mgr, broker, nil, logger)
	sub := &stubSubscriber{}
	defaults := Defaults{
		SizeUSD:               100,
		Leverage:              1,
		StopLossPct:           1.5,
		TakeProfitPct:         1.5,
		TrailingActivationPct: 0.8,
		TrailingDistancePct:   0.75,
	}
	return NewTradeService(mgr, disp, sub, nil, nil, defaults, true, logger), sub
}

func TestHandleSignalOpensLong(t *testing.T) {
	svc, sub := testService(t, &stubBroker{fill: domain.Fill{Price: 100}})

	res, err := svc.HandleSignal(context.Background(), domain.Signal{
		Action: domain.ActionLong,
		Symbol: "BTC-USD",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Opened)
	assert.Equal(t, domain.SideLong, res.Opened.Side)
	assert.InDelta(t, 98.5, res.Opened.StopLossPrice, 1e-9)
	assert.Equal(t, []string{"BTC-USD"}, sub.products)
}

func TestHandleSignalAppliesOverrides(t *testing.T) {
	svc, _ := testService(t, &stubBroker{fill: domain.Fill{Price: 100}})

	res, err := svc.HandleSignal(context.Background(), domain.Signal{
		Action:        domain.ActionShort,
		Symbol:        "ETH-USD",
		StopLossPct:   2,
		TakeProfitPct: 3,
		SizeUSD:       250,
		Leverage:      4,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Opened)
	assert.InDelta(t, 102, res.Opened.StopLossPrice, 1e-9)
	assert.InDelta(t, 97, res.Opened.TakeProfitPrice, 1e-9)
	assert.Equal(t, 250.0, res.Opened.SizeUSD)
	assert.Equal(t, 4.0, res.Opened.Leverage)
}

func TestHandleSignalRejectsUnknownAction(t *testing.T) {
	svc, _ := testService(t, &stubBroker{})
	_, err := svc.HandleSignal(context.Background(), domain.Signal{Action: "HODL", Symbol: "BTC-USD"})
	assert.ErrorIs(t, err, domain.ErrInvalidIntent)
}

func TestHandleSignalExitLong(t *testing.T) {
	svc, _ := testService(t, &stubBroker{fill: domain.Fill{Price: 100}})
	ctx := context.Background()

	_, err := svc.HandleSignal(ctx, domain.Signal{Action: domain.ActionLong, Symbol: "BTC-USD"})
	require.NoError(t, err)

	res, err := svc.HandleSignal(ctx, domain.Signal{Action: domain.ActionExitLong, Symbol: "BTC-USD"})
	require.NoError(t, err)
	require.Len(t, res.Closed, 1)
	assert.Equal(t, domain.PositionClosed, res.Closed[0].Status)
	assert.Equal(t, domain.CloseManual, res.Closed[0].CloseReason)
}

func TestHandleSignalExitWithoutPosition(t *testing.T) {
	svc, _ := testService(t, &stubBroker{fill: domain.Fill{Price: 100}})
	_, err := svc.HandleSignal(context.Background(), domain.Signal{Action: domain.ActionExitShort, Symbol: "BTC-USD"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCloseAllSurvivesPartialFailure(t *testing.T) {
	broker := &stubBroker{
		fill:      domain.Fill{Price: 100},
		closeErrs: map[string]error{"ETH-USD": errors.New("rejected")},
	}
	svc, _ := testService(t, broker)
	ctx := context.Background()

	for _, sym := range []string{"BTC-USD", "ETH-USD", "SOL-USD"} {
		_, err := svc.HandleSignal(ctx, domain.Signal{Action: domain.ActionLong, Symbol: sym})
		require.NoError(t, err)
	}

	closed, err := svc.CloseAll(ctx)
	assert.ErrorIs(t, err, domain.ErrBroker)
	assert.Len(t, closed, 2)

	// The failed one is back to open for a retry.
	reopened, err2 := svc.mgr.FindActive("ETH-USD", domain.SideLong)
	require.NoError(t, err2)
	assert.Equal(t, domain.PositionOpen, reopened.Status)
}

func TestStatusReportsUnrealizedPnL(t *testing.T) {
	svc, _ := testService(t, &stubBroker{fill: domain.Fill{Price: 100}})
	ctx := context.Background()
	_, err := svc.HandleSignal(ctx, domain.Signal{Action: domain.ActionLong, Symbol: "BTC-USD"})
	require.NoError(t, err)

	report := svc.Status(ctx)
	assert.True(t, report.PaperTrading)
	assert.Equal(t, 1, report.ActiveCount)
	require.Len(t, report.Positions, 1)
	// No price cache wired in this rig: no live enrichment.
	assert.Zero(t, report.Positions[0].CurrentPrice)
}
