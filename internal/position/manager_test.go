package position

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

type memStore struct {
	mu    sync.Mutex
	saves int
	last  []domain.Position
	err   error
}

func (s *memStore) Save(_ context.Context, positions []domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.err != nil {
		return s.err
	}
	s.last = append([]domain.Position(nil), positions...)
	return nil
}

func (s *memStore) Load(_ context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Position(nil), s.last...), nil
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

type stubBroker struct {
	mu         sync.Mutex
	openFill   domain.Fill
	openErr    error
	openDelay  time.Duration
	openCalls  int
	closeFill  domain.Fill
	closeErr   error
	closeCalls int
}

func (b *stubBroker) OpenMarket(_ context.Context, _ string, _ domain.Side, _ float64) (domain.Fill, error) {
	b.mu.Lock()
	b.openCalls++
	delay, fill, err := b.openDelay, b.openFill, b.openErr
	b.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return fill, err
}

func (b *stubBroker) CloseMarket(_ context.Context, _ domain.Position) (domain.Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeCalls++
	return b.closeFill, b.closeErr
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testManager(t *testing.T, broker *stubBroker, store *memStore) *Manager {
	t.Helper()
	cfg := Config{MaxConcurrent: 3, MaxLeverage: 10, Retention: time.Hour}
	return NewManager(cfg, broker, store, nil, nil, discardLogger())
}

func testIntent(symbol string, side domain.Side) domain.OpenIntent {
	return domain.OpenIntent{
		Symbol:                symbol,
		Side:                  side,
		StopLossPct:           1.5,
		TakeProfitPct:         1.5,
		TrailingActivationPct: 0.8,
		TrailingDistancePct:   0.75,
		SizeUSD:               100,
		Leverage:              5,
	}
}

func TestOpenDerivesLevels(t *testing.T) {
	broker := &stubBroker{openFill: domain.Fill{Price: 100, Time: time.Now()}}
	store := &memStore{}
	mgr := testManager(t, broker, store)

	p, err := mgr.Open(context.Background(), testIntent("BTC-USD", domain.SideLong))
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, domain.PositionOpen, p.Status)
	assert.InDelta(t, 98.5, p.StopLossPrice, 1e-9)
	assert.InDelta(t, 101.5, p.TakeProfitPrice, 1e-9)
	assert.InDelta(t, 100.8, p.TrailingActivation, 1e-9)
	assert.InDelta(t, 1.0, p.Quantity, 1e-9)
	assert.Nil(t, p.TrailingStop)
	assert.Equal(t, 1, store.saveCount())
}

func TestOpenShortMirrorsLevels(t *testing.T) {
	broker := &stubBroker{openFill: domain.Fill{Price: 200}}
	mgr := testManager(t, broker, &memStore{})

	p, err := mgr.Open(context.Background(), testIntent("ETH-USD", domain.SideShort))
	require.NoError(t, err)

	assert.InDelta(t, 203, p.StopLossPrice, 1e-9)
	assert.InDelta(t, 197, p.TakeProfitPrice, 1e-9)
	assert.InDelta(t, 198.4, p.TrailingActivation, 1e-9)
}

func TestOpenRejectsInvalidIntent(t *testing.T) {
	mgr := testManager(t, &stubBroker{openFill: domain.Fill{Price: 100}}, &memStore{})

	tests := []struct {
		name   string
		mutate func(*domain.OpenIntent)
	}{
		{"empty symbol", func(in *domain.OpenIntent) { in.Symbol = "" }},
		{"unknown side", func(in *domain.OpenIntent) { in.Side = "sideways" }},
		{"zero size", func(in *domain.OpenIntent) { in.SizeUSD = 0 }},
		{"negative size", func(in *domain.OpenIntent) { in.SizeUSD = -5 }},
		{"zero leverage", func(in *domain.OpenIntent) { in.Leverage = 0 }},
		{"over max leverage", func(in *domain.OpenIntent) { in.Leverage = 50 }},
		{"zero stop loss", func(in *domain.OpenIntent) { in.StopLossPct = 0 }},
		{"stop loss over 100", func(in *domain.OpenIntent) { in.StopLossPct = 120 }},
		{"negative take profit", func(in *domain.OpenIntent) { in.TakeProfitPct = -1 }},
		{"negative trailing distance", func(in *domain.OpenIntent) { in.TrailingDistancePct = -0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := testIntent("BTC-USD", domain.SideLong)
			tt.mutate(&in)
			_, err := mgr.Open(context.Background(), in)
			assert.ErrorIs(t, err, domain.ErrInvalidIntent)
		})
	}
	assert.Empty(t, mgr.List())
}

func TestOpenRejectsDuplicateSymbol(t *testing.T) {
	mgr := testManager(t, &stubBroker{openFill: domain.Fill{Price: 100}}, &memStore{})
	ctx := context.Background()

	_, err := mgr.Open(ctx, testIntent("BTC-USD", domain.SideLong))
	require.NoError(t, err)

	_, err = mgr.Open(ctx, testIntent("BTC-USD", domain.SideShort))
	assert.ErrorIs(t, err, domain.ErrDuplicatePosition)
}

func TestOpenRejectsOverCapacity(t *testing.T) {
	mgr := testManager(t, &stubBroker{openFill: domain.Fill{Price: 100}}, &memStore{})
	ctx := context.Background()

	for _, sym := range []string{"BTC-USD", "ETH-USD", "SOL-USD"} {
		_, err := mgr.Open(ctx, testIntent(sym, domain.SideLong))
		require.NoError(t, err)
	}

	_, err := mgr.Open(ctx, testIntent("DOGE-USD", domain.SideLong))
	assert.ErrorIs(t, err, domain.ErrLimitExceeded)
}

func TestOpenBrokerFailureLeavesNoTrace(t *testing.T) {
	broker := &stubBroker{openErr: errors.New("rejected")}
	store := &memStore{}
	mgr := testManager(t, broker, store)
	ctx := context.Background()

	_, err := mgr.Open(ctx, testIntent("BTC-USD", domain.SideLong))
	assert.ErrorIs(t, err, domain.ErrBroker)
	assert.Empty(t, mgr.List())
	assert.Zero(t, store.saveCount())

	// The reservation must be released for the retry.
	broker.mu.Lock()
	broker.openErr = nil
	broker.openFill = domain.Fill{Price: 100}
	broker.mu.Unlock()
	_, err = mgr.Open(ctx, testIntent("BTC-USD", domain.SideLong))
	assert.NoError(t, err)
}

func TestOpenConcurrentSameSymbolSingleWinner(t *testing.T) {
	broker := &stubBroker{openFill: domain.Fill{Price: 100}, openDelay: 20 * time.Millisecond}
	mgr := testManager(t, broker, &memStore{})

	var wg sync.WaitGroup
	var okCount, dupCount int32
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.Open(context.Background(), testIntent("BTC-USD", domain.SideLong))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				okCount++
			case errors.Is(err, domain.ErrDuplicatePosition):
				dupCount++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), okCount)
	assert.Equal(t, int32(7), dupCount)
	assert.Equal(t, 1, broker.openCalls)
}

func TestRequestCloseSingleWinner(t *testing.T) {
	mgr := testManager(t, &stubBroker{openFill: domain.Fill{Price: 100}}, &memStore{})
	ctx := context.Background()
	p, err := mgr.Open(ctx, testIntent("BTC-USD", domain.SideLong))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wins := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, won, err := mgr.RequestClose(ctx, p.ID, domain.CloseManual)
			require.NoError(t, err)
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestRequestCloseUnknownID(t *testing.T) {
	mgr := testManager(t, &stubBroker{}, &memStore{})
	_, _, err := mgr.RequestClose(context.Background(), "nope", domain.CloseManual)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFinalizeCloseComputesRealizedPnL(t *testing.T) {
	tests := []struct {
		name    string
		side    domain.Side
		exit    float64
		wantPnL float64
	}{
		{"long gain", domain.SideLong, 102, 2},
		{"long loss", domain.SideLong, 98.5, -1.5},
		{"short gain", domain.SideShort, 98, 2},
		{"short loss", domain.SideShort, 101.5, -1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := testManager(t, &stubBroker{openFill: domain.Fill{Price: 100}}, &memStore{})
			ctx := context.Background()
			p, err := mgr.Open(ctx, testIntent("BTC-USD", tt.side))
			require.NoError(t, err)
			_, won, err := mgr.RequestClose(ctx, p.ID, domain.CloseManual)
			require.NoError(t, err)
			require.True(t, won)

			closed, err := mgr.FinalizeClose(ctx, p.ID, domain.Fill{Price: tt.exit}, nil)
			require.NoError(t, err)
			assert.Equal(t, domain.PositionClosed, closed.Status)
			require.NotNil(t, closed.RealizedPnL)
			// 100 USD at 5x leverage.
			assert.InDelta(t, tt.wantPnL*5, *closed.RealizedPnL, 1e-9)
			require.NotNil(t, closed.ExitPrice)
			assert.Equal(t, tt.exit, *closed.ExitPrice)
			assert.NotNil(t, closed.ClosedAt)
		})
	}
}

func TestFinalizeCloseFreesCapacitySlot(t *testing.T) {
	mgr := testManager(t, &stubBroker{openFill: domain.Fill{Price: 100}}, &memStore{})
	ctx := context.Background()

	p, err := mgr.Open(ctx, testIntent("BTC-USD", domain.SideLong))
	require.NoError(t, err)
	_, won, err := mgr.RequestClose(ctx, p.ID, domain.CloseManual)
	require.NoError(t, err)
	require.True(t, won)
	_, err = mgr.FinalizeClose(ctx, p.ID, domain.Fill{Price: 101}, nil)
	require.NoError(t, err)

	assert.Zero(t, mgr.ActiveCount())
	_, err = mgr.Open(ctx, testIntent("BTC-USD", domain.SideLong))
	assert.NoError(t, err)
}

func TestFinalizeCloseBrokerFailureReopens(t *testing.T) {
	mgr := testManager(t, &stubBroker{openFill: domain.Fill{Price: 100}}, &memStore{})
	ctx := context.Background()

	p, err := mgr.Open(ctx, testIntent("BTC-USD", domain.SideLong))
	require.NoError(t, err)
	_, won, err := mgr.RequestClose(ctx, p.ID, domain.CloseStopLoss)
	require.NoError(t, err)
	require.True(t, won)

	reopened, err := mgr.FinalizeClose(ctx, p.ID, domain.Fill{}, errors.New("timeout"))
	assert.ErrorIs(t, err, domain.ErrBroker)
	assert.Equal(t, domain.PositionOpen, reopened.Status)
	assert.Empty(t, reopened.CloseReason)
	assert.Nil(t, reopened.RealizedPnL)

	// The next claim must succeed.
	_, won, err = mgr.RequestClose(ctx, p.ID, domain.CloseStopLoss)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestApplyTickClaimsExits(t *testing.T) {
	store := &memStore{}
	mgr := testManager(t, &stubBroker{openFill: domain.Fill{Price: 100}}, store)
	ctx := context.Background()

	p, err := mgr.Open(ctx, testIntent("BTC-USD", domain.SideLong))
	require.NoError(t, err)

	// Above the stop: nothing fires.
	assert.Empty(t, mgr.ApplyTick(ctx, domain.Tick{Symbol: "BTC-USD", Price: 99}))

	closing := mgr.ApplyTick(ctx, domain.Tick{Symbol: "BTC-USD", Price: 98.4})
	require.Len(t, closing, 1)
	assert.Equal(t, p.ID, closing[0].ID)
	assert.Equal(t, domain.PositionClosing, closing[0].Status)
	assert.Equal(t, domain.CloseStopLoss, closing[0].CloseReason)

	// Already claimed: a repeat tick returns nothing.
	assert.Empty(t, mgr.ApplyTick(ctx, domain.Tick{Symbol: "BTC-USD", Price: 98.4}))
}

func TestApplyTickIgnoresOtherSymbols(t *testing.T) {
	mgr := testManager(t, &stubBroker{openFill: domain.Fill{Price: 100}}, &memStore{})
	ctx := context.Background()
	_, err := mgr.Open(ctx, testIntent("BTC-USD", domain.SideLong))
	require.NoError(t, err)

	assert.Empty(t, mgr.ApplyTick(ctx, domain.Tick{Symbol: "ETH-USD", Price: 1}))
}

func TestApplyTickPersistsTrailingRatchet(t *testing.T) {
	store := &memStore{}
	mgr := testManager(t, &stubBroker{openFill: domain.Fill{Price: 100}}, store)
	ctx := context.Background()
	p, err := mgr.Open(ctx, testIntent("BTC-USD", domain.SideLong))
	require.NoError(t, err)

	before := store.saveCount()
	require.Empty(t, mgr.ApplyTick(ctx, domain.Tick{Symbol: "BTC-USD", Price: 100.9}))
	assert.Equal(t, before+1, store.saveCount())

	got, err := mgr.Get(p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TrailingStop)
	assert.InDelta(t, 100.9*0.9925, *got.TrailingStop, 1e-9)

	// A tick that changes nothing writes nothing.
	after := store.saveCount()
	require.Empty(t, mgr.ApplyTick(ctx, domain.Tick{Symbol: "BTC-USD", Price: 100.5}))
	assert.Equal(t, after, store.saveCount())
}

func TestReturnedCopiesDoNotAliasTrailingStop(t *testing.T) {
	mgr := testManager(t, &stubBroker{openFill: domain.Fill{Price: 100}}, &memStore{})
	ctx := context.Background()
	p, err := mgr.Open(ctx, testIntent("BTC-USD", domain.SideLong))
	require.NoError(t, err)

	// Arm the trailing stop.
	require.Empty(t, mgr.ApplyTick(ctx, domain.Tick{Symbol: "BTC-USD", Price: 100.9}))

	snap := mgr.List()
	require.Len(t, snap, 1)
	require.NotNil(t, snap[0].TrailingStop)
	before := *snap[0].TrailingStop

	// Ratchet in one goroutine while reading the copy in another. The copy
	// must hold its own allocation, so the reads stay race-free and keep
	// seeing the pre-ratchet value.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			mgr.ApplyTick(ctx, domain.Tick{Symbol: "BTC-USD", Price: 101 + float64(i)/100})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if *snap[0].TrailingStop != before {
				t.Errorf("returned copy mutated under concurrent ticks")
				return
			}
		}
	}()
	wg.Wait()

	got, err := mgr.Get(p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TrailingStop)
	assert.Greater(t, *got.TrailingStop, before)
	assert.Equal(t, before, *snap[0].TrailingStop)
}

func TestCloseAllClaimsEveryOpen(t *testing.T) {
	mgr := testManager(t, &stubBroker{openFill: domain.Fill{Price: 100}}, &memStore{})
	ctx := context.Background()
	for _, sym := range []string{"BTC-USD", "ETH-USD", "SOL-USD"} {
		_, err := mgr.Open(ctx, testIntent(sym, domain.SideLong))
		require.NoError(t, err)
	}

	claimed := mgr.CloseAll(ctx, domain.CloseAllRequested)
	require.Len(t, claimed, 3)
	for _, p := range claimed {
		assert.Equal(t, domain.PositionClosing, p.Status)
		assert.Equal(t, domain.CloseAllRequested, p.CloseReason)
	}

	// Independence across failures: one finalize failing must not block
	// the others from closing.
	_, err := mgr.FinalizeClose(ctx, claimed[0].ID, domain.Fill{Price: 101}, nil)
	require.NoError(t, err)
	_, err = mgr.FinalizeClose(ctx, claimed[1].ID, domain.Fill{}, errors.New("rejected"))
	assert.ErrorIs(t, err, domain.ErrBroker)
	_, err = mgr.FinalizeClose(ctx, claimed[2].ID, domain.Fill{Price: 99}, nil)
	require.NoError(t, err)

	reopened, err := mgr.Get(claimed[1].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, reopened.Status)
}

func TestRestoreReopensClosingPositions(t *testing.T) {
	store := &memStore{}
	mgr := testManager(t, &stubBroker{}, store)

	snapshot := []domain.Position{
		{ID: "a", Symbol: "BTC-USD", Side: domain.SideLong, Status: domain.PositionOpen, EntryPrice: 100, OpenedAt: time.Now()},
		{ID: "b", Symbol: "ETH-USD", Side: domain.SideShort, Status: domain.PositionClosing, CloseReason: domain.CloseStopLoss, EntryPrice: 50, OpenedAt: time.Now()},
		{ID: "c", Symbol: "SOL-USD", Side: domain.SideLong, Status: domain.PositionClosed, EntryPrice: 10, OpenedAt: time.Now()},
	}
	recovered := mgr.Restore(context.Background(), snapshot)
	assert.Equal(t, 1, recovered)

	b, err := mgr.Get("b")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, b.Status)
	assert.Empty(t, b.CloseReason)

	assert.Equal(t, 2, mgr.ActiveCount())
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, mgr.ActiveSymbols())
}

func TestSweepEvictsStaleClosed(t *testing.T) {
	mgr := testManager(t, &stubBroker{}, &memStore{})
	old := time.Now().Add(-2 * time.Hour)
	recent := time.Now().Add(-10 * time.Minute)
	mgr.Restore(context.Background(), []domain.Position{
		{ID: "old", Symbol: "BTC-USD", Status: domain.PositionClosed, ClosedAt: &old},
		{ID: "recent", Symbol: "ETH-USD", Status: domain.PositionClosed, ClosedAt: &recent},
		{ID: "live", Symbol: "SOL-USD", Status: domain.PositionOpen},
	})

	assert.Equal(t, 1, mgr.Sweep(context.Background()))
	assert.Len(t, mgr.List(), 2)
	_, err := mgr.Get("old")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPersistenceFailureDoesNotRollBackState(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	mgr := testManager(t, &stubBroker{openFill: domain.Fill{Price: 100}}, store)

	p, err := mgr.Open(context.Background(), testIntent("BTC-USD", domain.SideLong))
	require.NoError(t, err)

	got, err := mgr.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, got.Status)
}
