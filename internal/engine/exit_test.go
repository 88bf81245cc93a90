package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awickham/exitbot/internal/domain"
)

func newLong(entry float64) *domain.Position {
	sl, tp, act := DeriveLevels(entry, domain.SideLong, 1.5, 1.5, 0.8)
	return &domain.Position{
		Symbol:             "BTC-USD",
		Side:               domain.SideLong,
		EntryPrice:         entry,
		StopLossPrice:      sl,
		TakeProfitPrice:    tp,
		TrailingActivation: act,
		TrailingDistance:   0.75,
		Status:             domain.PositionOpen,
	}
}

func newShort(entry float64) *domain.Position {
	sl, tp, act := DeriveLevels(entry, domain.SideShort, 1.5, 1.5, 0.8)
	return &domain.Position{
		Symbol:             "ETH-USD",
		Side:               domain.SideShort,
		EntryPrice:         entry,
		StopLossPrice:      sl,
		TakeProfitPrice:    tp,
		TrailingActivation: act,
		TrailingDistance:   0.75,
		Status:             domain.PositionOpen,
	}
}

func TestDeriveLevels(t *testing.T) {
	tests := []struct {
		name                string
		side                domain.Side
		entry               float64
		wantSL, wantTP, wantAct float64
	}{
		{"long", domain.SideLong, 100, 98.5, 101.5, 100.8},
		{"short", domain.SideShort, 100, 101.5, 98.5, 99.2},
		{"long off 200", domain.SideLong, 200, 197, 203, 201.6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sl, tp, act := DeriveLevels(tt.entry, tt.side, 1.5, 1.5, 0.8)
			assert.InDelta(t, tt.wantSL, sl, 1e-9)
			assert.InDelta(t, tt.wantTP, tp, 1e-9)
			assert.InDelta(t, tt.wantAct, act, 1e-9)
		})
	}
}

func TestEvaluateStopLossLong(t *testing.T) {
	p := newLong(100)
	assert.Equal(t, NoExit, Evaluate(p, 99.0))
	assert.Equal(t, StopLoss, Evaluate(p, 98.5))
	assert.Equal(t, StopLoss, Evaluate(p, 97.0))
}

func TestEvaluateStopLossShort(t *testing.T) {
	p := newShort(100)
	assert.Equal(t, NoExit, Evaluate(p, 101.0))
	assert.Equal(t, StopLoss, Evaluate(p, 101.5))
	assert.Equal(t, StopLoss, Evaluate(p, 103.0))
}

func TestEvaluateTakeProfitBeforeActivation(t *testing.T) {
	p := newLong(100)
	// Trailing disabled: the static target fires.
	p.TrailingDistance = 0
	assert.Equal(t, NoExit, Evaluate(p, 101.0))
	assert.Equal(t, TakeProfit, Evaluate(p, 101.5))
}

func TestEvaluateTrailingLifecycleLong(t *testing.T) {
	p := newLong(100)

	// Below activation nothing happens.
	assert.Equal(t, NoExit, Evaluate(p, 100.5))
	assert.Nil(t, p.TrailingStop)

	// Crossing activation arms the stop at price less the distance.
	assert.Equal(t, NoExit, Evaluate(p, 100.80))
	require.NotNil(t, p.TrailingStop)
	assert.InDelta(t, 100.80*0.9925, *p.TrailingStop, 1e-9)

	// A new high ratchets the stop up.
	assert.Equal(t, NoExit, Evaluate(p, 102.00))
	assert.InDelta(t, 102.00*0.9925, *p.TrailingStop, 1e-9)

	// A pullback through the stop fires the trailing exit.
	assert.Equal(t, TrailingStop, Evaluate(p, 101.20))
}

func TestEvaluateTrailingNeverLoosens(t *testing.T) {
	p := newLong(100)
	require.Equal(t, NoExit, Evaluate(p, 102.00))
	armed := *p.TrailingStop

	// Lower price above the stop must not move it down.
	require.Equal(t, NoExit, Evaluate(p, 101.50))
	assert.Equal(t, armed, *p.TrailingStop)
}

func TestEvaluateTrailingOwnsUpsideOnceArmed(t *testing.T) {
	p := newLong(100)
	require.Equal(t, NoExit, Evaluate(p, 100.80))

	// Price through the static target keeps running on the trailing stop.
	assert.Equal(t, NoExit, Evaluate(p, 103.00))
	assert.InDelta(t, 103.00*0.9925, *p.TrailingStop, 1e-9)
}

func TestEvaluateTrailingLifecycleShort(t *testing.T) {
	p := newShort(100)

	assert.Equal(t, NoExit, Evaluate(p, 99.2))
	require.NotNil(t, p.TrailingStop)
	assert.InDelta(t, 99.2*1.0075, *p.TrailingStop, 1e-9)

	assert.Equal(t, NoExit, Evaluate(p, 98.0))
	assert.InDelta(t, 98.0*1.0075, *p.TrailingStop, 1e-9)

	// Rising back through the stop exits.
	assert.Equal(t, TrailingStop, Evaluate(p, 98.8))
}

func TestEvaluateStopLossWinsOverTrailing(t *testing.T) {
	p := newLong(100)
	require.Equal(t, NoExit, Evaluate(p, 100.80))
	require.NotNil(t, p.TrailingStop)

	// A gap through both levels must report the stop loss.
	assert.Equal(t, StopLoss, Evaluate(p, 98.50))
}

func TestDecisionReason(t *testing.T) {
	assert.Equal(t, domain.CloseStopLoss, StopLoss.Reason())
	assert.Equal(t, domain.CloseTrailingStop, TrailingStop.Reason())
	assert.Equal(t, domain.CloseTakeProfit, TakeProfit.Reason())
	assert.Equal(t, domain.CloseReason(""), NoExit.Reason())
}
