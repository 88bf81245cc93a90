package domain

import "time"

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Sign returns +1 for long exposure and -1 for short exposure.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Valid reports whether the side is one of the known directions.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	// PositionOpen means the position is live and monitored on every tick.
	PositionOpen PositionStatus = "open"
	// PositionClosing means a close has been claimed and a broker order is
	// in flight. Exactly one caller ever holds this transition.
	PositionClosing PositionStatus = "closing"
	// PositionClosed is terminal.
	PositionClosed PositionStatus = "closed"
)

// CloseReason records why a position was (or is being) closed.
type CloseReason string

const (
	CloseStopLoss     CloseReason = "stop_loss"
	CloseTakeProfit   CloseReason = "take_profit"
	CloseTrailingStop CloseReason = "trailing_stop"
	CloseManual       CloseReason = "manual"
	CloseAllRequested CloseReason = "close_all"
)

// Position is a live or recently closed exposure on a single product.
// Exit levels are denormalized to absolute prices at open so tick
// evaluation never re-derives them.
type Position struct {
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	EntryPrice float64 `json:"entry_price"`
	Quantity   float64 `json:"quantity"`
	SizeUSD    float64 `json:"size_usd"`
	Leverage   float64 `json:"leverage"`

	StopLossPrice      float64 `json:"stop_loss_price"`
	TakeProfitPrice    float64 `json:"take_profit_price"`
	TrailingActivation float64 `json:"trailing_activation_price"`
	TrailingDistance   float64 `json:"trailing_distance_pct"`
	// TrailingStop is nil until the trailing stop activates, then ratchets
	// in the position's favor and never loosens.
	TrailingStop *float64 `json:"trailing_stop_price,omitempty"`

	Status      PositionStatus `json:"status"`
	CloseReason CloseReason    `json:"close_reason,omitempty"`
	OpenedAt    time.Time      `json:"opened_at"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty"`
	ExitPrice   *float64       `json:"exit_price,omitempty"`
	RealizedPnL *float64       `json:"realized_pnl,omitempty"`
}

// Active reports whether the position still occupies a capacity slot.
func (p *Position) Active() bool {
	return p.Status == PositionOpen || p.Status == PositionClosing
}

// PnLAt returns the leveraged profit or loss in USD if the position were
// exited at the given price.
func (p *Position) PnLAt(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice * p.SizeUSD * p.Side.Sign() * p.Leverage
}

// Clone returns a deep copy. Pointer fields get fresh allocations so a
// copy handed out of the table never aliases the live position.
func (p *Position) Clone() Position {
	out := *p
	if p.TrailingStop != nil {
		v := *p.TrailingStop
		out.TrailingStop = &v
	}
	if p.ClosedAt != nil {
		v := *p.ClosedAt
		out.ClosedAt = &v
	}
	if p.ExitPrice != nil {
		v := *p.ExitPrice
		out.ExitPrice = &v
	}
	if p.RealizedPnL != nil {
		v := *p.RealizedPnL
		out.RealizedPnL = &v
	}
	return out
}

// OpenIntent carries the validated parameters of an entry request before a
// broker fill assigns the entry price.
type OpenIntent struct {
	Symbol                string
	Side                  Side
	StopLossPct           float64
	TakeProfitPct         float64
	TrailingActivationPct float64
	TrailingDistancePct   float64
	SizeUSD               float64
	Leverage              float64
}
