// Package engine holds the pure exit rule evaluation used on every tick.
package engine

import "github.com/awickham/exitbot/internal/domain"

// Decision is the outcome of evaluating one tick against a position.
type Decision int

const (
	NoExit Decision = iota
	StopLoss
	TrailingStop
	TakeProfit
)

func (d Decision) String() string {
	switch d {
	case StopLoss:
		return "stop_loss"
	case TrailingStop:
		return "trailing_stop"
	case TakeProfit:
		return "take_profit"
	}
	return "none"
}

// Reason maps a firing decision to the close reason recorded on the
// position.
func (d Decision) Reason() domain.CloseReason {
	switch d {
	case StopLoss:
		return domain.CloseStopLoss
	case TrailingStop:
		return domain.CloseTrailingStop
	case TakeProfit:
		return domain.CloseTakeProfit
	}
	return ""
}

// DeriveLevels converts the percent offsets of an entry into absolute
// prices around the fill. For longs the stop sits below entry and the
// target above; shorts mirror.
func DeriveLevels(entry float64, side domain.Side, slPct, tpPct, actPct float64) (stopLoss, takeProfit, activation float64) {
	sign := side.Sign()
	stopLoss = entry * (1 - sign*slPct/100)
	takeProfit = entry * (1 + sign*tpPct/100)
	activation = entry * (1 + sign*actPct/100)
	return
}

// trailingCandidate is the stop implied by the current price at the
// position's configured distance.
func trailingCandidate(p *domain.Position, price float64) float64 {
	return price * (1 - p.Side.Sign()*p.TrailingDistance/100)
}

// Evaluate checks one price against a position's exit levels in priority
// order: stop loss first, then the trailing stop. The fixed take profit
// applies only while the trailing stop has not activated; once price has
// crossed the activation level the trailing stop owns the upside exit and
// lets winners run past the static target. Evaluate may ratchet
// p.TrailingStop but performs no other mutation; callers decide what a
// firing decision means for the position's lifecycle.
func Evaluate(p *domain.Position, price float64) Decision {
	sign := p.Side.Sign()

	if sign*(price-p.StopLossPrice) <= 0 {
		return StopLoss
	}

	if p.TrailingStop != nil {
		// Only ratchet in the position's favor; a pullback never
		// loosens the stop. Each ratchet points at a fresh value so
		// copies holding the old pointer never observe the write.
		if cand := trailingCandidate(p, price); sign*(cand-*p.TrailingStop) > 0 {
			p.TrailingStop = &cand
		}
		if sign*(price-*p.TrailingStop) <= 0 {
			return TrailingStop
		}
		return NoExit
	}

	if p.TrailingDistance > 0 && sign*(price-p.TrailingActivation) >= 0 {
		stop := trailingCandidate(p, price)
		p.TrailingStop = &stop
		return NoExit
	}

	if sign*(price-p.TakeProfitPrice) >= 0 {
		return TakeProfit
	}
	return NoExit
}
