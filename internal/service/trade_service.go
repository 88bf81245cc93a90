// Package service orchestrates inbound signals against the position
// table, the dispatcher and the feed.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/awickham/exitbot/internal/dispatcher"
	"github.com/awickham/exitbot/internal/domain"
	"github.com/awickham/exitbot/internal/position"
)

// SymbolSubscriber adds products to the market data subscription.
type SymbolSubscriber interface {
	EnsureSubscribed(products ...string) error
}

// Defaults fill signal fields the sender left at zero.
type Defaults struct {
	SizeUSD               float64
	Leverage              float64
	StopLossPct           float64
	TakeProfitPct         float64
	TrailingActivationPct float64
	TrailingDistancePct   float64
}

// SignalResult reports what a processed signal did.
type SignalResult struct {
	Action domain.SignalAction `json:"action"`
	Opened *domain.Position    `json:"opened,omitempty"`
	Closed []domain.Position   `json:"closed,omitempty"`
	Detail string              `json:"detail,omitempty"`
}

// TradeService executes trading signals and answers status queries.
type TradeService struct {
	mgr      *position.Manager
	disp     *dispatcher.Dispatcher
	feed     SymbolSubscriber
	prices   domain.PriceCache
	history  domain.HistoryStore
	defaults Defaults
	paper    bool
	logger   *slog.Logger
}

// NewTradeService builds the service. feed, prices and history may be nil.
func NewTradeService(mgr *position.Manager, disp *dispatcher.Dispatcher, feed SymbolSubscriber, prices domain.PriceCache, history domain.HistoryStore, defaults Defaults, paper bool, logger *slog.Logger) *TradeService {
	return &TradeService{
		mgr:      mgr,
		disp:     disp,
		feed:     feed,
		prices:   prices,
		history:  history,
		defaults: defaults,
		paper:    paper,
		logger:   logger.With(slog.String("component", "trade_service")),
	}
}

// HandleSignal validates and executes one inbound signal.
func (s *TradeService) HandleSignal(ctx context.Context, sig domain.Signal) (SignalResult, error) {
	if !sig.Action.Valid() {
		return SignalResult{}, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidIntent, sig.Action)
	}
	if sig.Action != domain.ActionCloseAll && sig.Symbol == "" {
		return SignalResult{}, fmt.Errorf("%w: missing symbol", domain.ErrInvalidIntent)
	}

	s.logger.Info("signal received",
		slog.String("action", string(sig.Action)),
		slog.String("symbol", sig.Symbol),
	)

	switch {
	case sig.Action.Entry():
		return s.openFromSignal(ctx, sig)
	case sig.Action == domain.ActionCloseAll:
		closed, err := s.CloseAll(ctx)
		return SignalResult{Action: sig.Action, Closed: closed}, err
	default:
		return s.exitFromSignal(ctx, sig)
	}
}

func (s *TradeService) openFromSignal(ctx context.Context, sig domain.Signal) (SignalResult, error) {
	in := domain.OpenIntent{
		Symbol:                sig.Symbol,
		Side:                  sig.Action.Side(),
		StopLossPct:           orDefault(sig.StopLossPct, s.defaults.StopLossPct),
		TakeProfitPct:         orDefault(sig.TakeProfitPct, s.defaults.TakeProfitPct),
		TrailingActivationPct: orDefault(sig.TrailingActivationPct, s.defaults.TrailingActivationPct),
		TrailingDistancePct:   orDefault(sig.TrailingDistancePct, s.defaults.TrailingDistancePct),
		SizeUSD:               orDefault(sig.SizeUSD, s.defaults.SizeUSD),
		Leverage:              orDefault(sig.Leverage, s.defaults.Leverage),
	}

	// Subscribe before the fill so the first ticks are not lost while
	// the order settles.
	if s.feed != nil {
		if err := s.feed.EnsureSubscribed(sig.Symbol); err != nil {
			s.logger.Warn("feed subscribe failed",
				slog.String("symbol", sig.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}

	p, err := s.mgr.Open(ctx, in)
	if err != nil {
		return SignalResult{}, err
	}
	return SignalResult{Action: sig.Action, Opened: &p}, nil
}

func (s *TradeService) exitFromSignal(ctx context.Context, sig domain.Signal) (SignalResult, error) {
	p, err := s.mgr.FindActive(sig.Symbol, sig.Action.Side())
	if err != nil {
		return SignalResult{}, err
	}
	closed, err := s.CloseByID(ctx, p.ID)
	if err != nil {
		return SignalResult{}, err
	}
	return SignalResult{Action: sig.Action, Closed: []domain.Position{closed}}, nil
}

// CloseByID claims and executes a manual close. An already closing or
// closed position is returned as-is.
func (s *TradeService) CloseByID(ctx context.Context, id string) (domain.Position, error) {
	claimed, won, err := s.mgr.RequestClose(ctx, id, domain.CloseManual)
	if err != nil {
		return domain.Position{}, err
	}
	if !won {
		return claimed, nil
	}
	return s.disp.ExecuteClose(ctx, claimed)
}

// CloseAll claims every open position and closes each independently; one
// broker failure does not stop the rest. The returned slice holds the
// positions that finished closed; the error reports the first failure.
func (s *TradeService) CloseAll(ctx context.Context) ([]domain.Position, error) {
	claimed := s.mgr.CloseAll(ctx, domain.CloseAllRequested)
	if len(claimed) == 0 {
		return nil, nil
	}

	var g errgroup.Group
	results := make(chan domain.Position, len(claimed))
	for _, p := range claimed {
		g.Go(func() error {
			closed, err := s.disp.ExecuteClose(ctx, p)
			if err != nil {
				return err
			}
			results <- closed
			return nil
		})
	}
	err := g.Wait()
	close(results)

	var closed []domain.Position
	for p := range results {
		closed = append(closed, p)
	}
	return closed, err
}

// PositionView is one position enriched with live market data.
type PositionView struct {
	domain.Position
	CurrentPrice  float64 `json:"current_price,omitempty"`
	UnrealizedPnL float64 `json:"unrealized_pnl,omitempty"`
	Stale         bool    `json:"stale,omitempty"`
}

// StatusReport is the engine's full externally visible state.
type StatusReport struct {
	PaperTrading bool           `json:"paper_trading"`
	ActiveCount  int            `json:"active_count"`
	Positions    []PositionView `json:"positions"`
	StaleSymbols []string       `json:"stale_symbols,omitempty"`
	GeneratedAt  time.Time      `json:"generated_at"`
}

// Status composes the position table with cached prices and staleness
// flags.
func (s *TradeService) Status(ctx context.Context) StatusReport {
	positions := s.mgr.List()
	staleSet := make(map[string]bool)
	var staleSymbols []string
	if s.disp != nil {
		staleSymbols = s.disp.StaleSymbols()
		for _, sym := range staleSymbols {
			staleSet[sym] = true
		}
	}

	var prices map[string]float64
	if s.prices != nil {
		symbols := make([]string, 0, len(positions))
		for _, p := range positions {
			symbols = append(symbols, p.Symbol)
		}
		var err error
		prices, err = s.prices.GetPrices(ctx, symbols)
		if err != nil {
			s.logger.Warn("price lookup failed", slog.String("error", err.Error()))
		}
	}

	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		v := PositionView{Position: p, Stale: staleSet[p.Symbol]}
		if price, ok := prices[p.Symbol]; ok && p.Active() {
			v.CurrentPrice = price
			v.UnrealizedPnL = p.PnLAt(price)
		}
		views = append(views, v)
	}

	return StatusReport{
		PaperTrading: s.paper,
		ActiveCount:  s.mgr.ActiveCount(),
		Positions:    views,
		StaleSymbols: staleSymbols,
		GeneratedAt:  time.Now().UTC(),
	}
}

// ActiveCount reports how many positions occupy capacity slots.
func (s *TradeService) ActiveCount() int {
	return s.mgr.ActiveCount()
}

// PaperTrading reports whether fills are simulated.
func (s *TradeService) PaperTrading() bool {
	return s.paper
}

// Positions returns the current table.
func (s *TradeService) Positions() []domain.Position {
	return s.mgr.List()
}

// Position returns one position by id.
func (s *TradeService) Position(id string) (domain.Position, error) {
	return s.mgr.Get(id)
}

// History returns recently archived positions, newest first.
func (s *TradeService) History(ctx context.Context, limit int) ([]domain.Position, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.ListRecent(ctx, limit)
}

func orDefault(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}
