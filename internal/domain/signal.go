package domain

import "time"

// SignalAction is the instruction carried by an inbound alert.
type SignalAction string

const (
	ActionLong      SignalAction = "LONG"
	ActionShort     SignalAction = "SHORT"
	ActionExitLong  SignalAction = "EXIT_LONG"
	ActionExitShort SignalAction = "EXIT_SHORT"
	ActionCloseAll  SignalAction = "CLOSE_ALL"
)

// Valid reports whether the action is one the engine executes.
func (a SignalAction) Valid() bool {
	switch a {
	case ActionLong, ActionShort, ActionExitLong, ActionExitShort, ActionCloseAll:
		return true
	}
	return false
}

// Entry reports whether the action opens a new position.
func (a SignalAction) Entry() bool {
	return a == ActionLong || a == ActionShort
}

// Side returns the position direction an entry action maps to.
func (a SignalAction) Side() Side {
	switch a {
	case ActionLong, ActionExitLong:
		return SideLong
	case ActionShort, ActionExitShort:
		return SideShort
	}
	return ""
}

// Signal is a normalized trading alert. Percent fields at zero fall back
// to configured defaults before the signal reaches the position table.
type Signal struct {
	Action                SignalAction `json:"action"`
	Symbol                string       `json:"symbol"`
	Price                 float64      `json:"price,omitempty"`
	StopLossPct           float64      `json:"stop_loss_pct,omitempty"`
	TakeProfitPct         float64      `json:"take_profit_pct,omitempty"`
	TrailingActivationPct float64      `json:"trailing_activation_pct,omitempty"`
	TrailingDistancePct   float64      `json:"trailing_distance_pct,omitempty"`
	SizeUSD               float64      `json:"position_size_usd,omitempty"`
	Leverage              float64      `json:"leverage,omitempty"`
	ReceivedAt            time.Time    `json:"received_at,omitempty"`
}

// Tick is one price observation from the market data feed.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}
