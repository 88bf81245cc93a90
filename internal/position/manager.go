// Package position owns the in-memory table of live positions and every
// state transition a position can take.
package position

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/awickham/exitbot/internal/domain"
	"github.com/awickham/exitbot/internal/engine"
)

// persistAlertThreshold is the number of consecutive snapshot failures
// before an alert event goes out on the bus.
const persistAlertThreshold = 3

// Config bounds what the manager accepts.
type Config struct {
	MaxConcurrent int
	MaxLeverage   float64
	// Retention keeps closed positions visible in the table for this
	// long before Sweep evicts them.
	Retention time.Duration
}

// Manager is the single writer of the position table. All transitions
// happen under one mutex; broker calls never hold it.
type Manager struct {
	cfg     Config
	broker  domain.Broker
	store   domain.SnapshotStore
	history domain.HistoryStore
	bus     domain.SignalBus
	logger  *slog.Logger

	mu              sync.Mutex
	table           map[string]*domain.Position
	reserved        map[string]struct{}
	persistFailures int

	now func() time.Time
}

// NewManager builds a manager. history and bus may be nil.
func NewManager(cfg Config, broker domain.Broker, store domain.SnapshotStore, history domain.HistoryStore, bus domain.SignalBus, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		broker:   broker,
		store:    store,
		history:  history,
		bus:      bus,
		logger:   logger.With(slog.String("component", "position_manager")),
		table:    make(map[string]*domain.Position),
		reserved: make(map[string]struct{}),
		now:      time.Now,
	}
}

func validateIntent(in domain.OpenIntent, maxLeverage float64) error {
	switch {
	case in.Symbol == "":
		return fmt.Errorf("%w: empty symbol", domain.ErrInvalidIntent)
	case !in.Side.Valid():
		return fmt.Errorf("%w: unknown side %q", domain.ErrInvalidIntent, in.Side)
	case in.SizeUSD <= 0:
		return fmt.Errorf("%w: size must be positive, got %.2f", domain.ErrInvalidIntent, in.SizeUSD)
	case in.Leverage < 1:
		return fmt.Errorf("%w: leverage must be at least 1, got %.2f", domain.ErrInvalidIntent, in.Leverage)
	case maxLeverage > 0 && in.Leverage > maxLeverage:
		return fmt.Errorf("%w: leverage %.2f exceeds max %.2f", domain.ErrInvalidIntent, in.Leverage, maxLeverage)
	case in.StopLossPct <= 0 || in.StopLossPct >= 100:
		return fmt.Errorf("%w: stop loss pct out of range: %.2f", domain.ErrInvalidIntent, in.StopLossPct)
	case in.TakeProfitPct <= 0:
		return fmt.Errorf("%w: take profit pct out of range: %.2f", domain.ErrInvalidIntent, in.TakeProfitPct)
	case in.TrailingActivationPct < 0 || in.TrailingDistancePct < 0 || in.TrailingDistancePct >= 100:
		return fmt.Errorf("%w: trailing parameters out of range", domain.ErrInvalidIntent)
	}
	return nil
}

// Open validates the intent, reserves a slot, fills the entry at market
// and inserts the resulting position. A broker failure leaves no trace in
// the table.
func (m *Manager) Open(ctx context.Context, in domain.OpenIntent) (domain.Position, error) {
	if err := validateIntent(in, m.cfg.MaxLeverage); err != nil {
		return domain.Position{}, err
	}

	// Reserve the symbol and a capacity slot before going to the broker
	// so concurrent opens cannot both pass the checks.
	m.mu.Lock()
	if _, held := m.reserved[in.Symbol]; held || m.activeOnSymbolLocked(in.Symbol) {
		m.mu.Unlock()
		return domain.Position{}, fmt.Errorf("%w: %s", domain.ErrDuplicatePosition, in.Symbol)
	}
	if m.activeCountLocked()+len(m.reserved) >= m.cfg.MaxConcurrent {
		m.mu.Unlock()
		return domain.Position{}, fmt.Errorf("%w: max %d", domain.ErrLimitExceeded, m.cfg.MaxConcurrent)
	}
	m.reserved[in.Symbol] = struct{}{}
	m.mu.Unlock()

	fill, err := m.broker.OpenMarket(ctx, in.Symbol, in.Side, in.SizeUSD)
	if err != nil {
		m.mu.Lock()
		delete(m.reserved, in.Symbol)
		m.mu.Unlock()
		return domain.Position{}, fmt.Errorf("%w: open %s: %v", domain.ErrBroker, in.Symbol, err)
	}

	sl, tp, act := engine.DeriveLevels(fill.Price, in.Side, in.StopLossPct, in.TakeProfitPct, in.TrailingActivationPct)
	p := &domain.Position{
		ID:                 uuid.NewString(),
		Symbol:             in.Symbol,
		Side:               in.Side,
		EntryPrice:         fill.Price,
		Quantity:           in.SizeUSD / fill.Price,
		SizeUSD:            in.SizeUSD,
		Leverage:           in.Leverage,
		StopLossPrice:      sl,
		TakeProfitPrice:    tp,
		TrailingActivation: act,
		TrailingDistance:   in.TrailingDistancePct,
		Status:             domain.PositionOpen,
		OpenedAt:           m.now().UTC(),
	}

	m.mu.Lock()
	delete(m.reserved, in.Symbol)
	m.table[p.ID] = p
	m.persistLocked(ctx)
	out := p.Clone()
	m.mu.Unlock()

	m.logger.Info("position opened",
		slog.String("id", out.ID),
		slog.String("symbol", out.Symbol),
		slog.String("side", string(out.Side)),
		slog.Float64("entry", out.EntryPrice),
		slog.Float64("size_usd", out.SizeUSD),
	)
	m.publish(ctx, domain.Event{
		Type:       domain.EventPositionOpened,
		PositionID: out.ID,
		Symbol:     out.Symbol,
		Price:      out.EntryPrice,
		At:         m.now().UTC(),
	})
	return out, nil
}

// ApplyTick evaluates every open position on the tick's symbol and claims
// the closing transition for any that fired an exit rule. The returned
// copies carry the close reason; the caller executes the broker orders.
func (m *Manager) ApplyTick(ctx context.Context, t domain.Tick) []domain.Position {
	var closing []domain.Position

	m.mu.Lock()
	dirty := false
	for _, p := range m.table {
		if p.Symbol != t.Symbol || p.Status != domain.PositionOpen {
			continue
		}
		var prevStop float64
		hadStop := p.TrailingStop != nil
		if hadStop {
			prevStop = *p.TrailingStop
		}

		decision := engine.Evaluate(p, t.Price)

		if p.TrailingStop != nil && (!hadStop || *p.TrailingStop != prevStop) {
			dirty = true
		}
		if decision != engine.NoExit {
			p.Status = domain.PositionClosing
			p.CloseReason = decision.Reason()
			dirty = true
			closing = append(closing, p.Clone())
		}
	}
	if dirty {
		m.persistLocked(ctx)
	}
	m.mu.Unlock()

	for _, p := range closing {
		m.logger.Info("exit triggered",
			slog.String("id", p.ID),
			slog.String("symbol", p.Symbol),
			slog.String("reason", string(p.CloseReason)),
			slog.Float64("price", t.Price),
		)
	}
	return closing
}

// RequestClose claims the open to closing transition for one position.
// The bool reports whether this caller won the claim; a position already
// closing or closed is a no-op, not an error.
func (m *Manager) RequestClose(ctx context.Context, id string, reason domain.CloseReason) (domain.Position, bool, error) {
	m.mu.Lock()
	p, ok := m.table[id]
	if !ok {
		m.mu.Unlock()
		return domain.Position{}, false, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if p.Status != domain.PositionOpen {
		out := p.Clone()
		m.mu.Unlock()
		return out, false, nil
	}
	p.Status = domain.PositionClosing
	p.CloseReason = reason
	m.persistLocked(ctx)
	out := p.Clone()
	m.mu.Unlock()
	return out, true, nil
}

// FinalizeClose completes or rolls back a claimed close. When brokerErr is
// non-nil the position returns to open so the next qualifying tick can
// retry; otherwise it is marked closed with the realized result.
func (m *Manager) FinalizeClose(ctx context.Context, id string, fill domain.Fill, brokerErr error) (domain.Position, error) {
	m.mu.Lock()
	p, ok := m.table[id]
	if !ok {
		m.mu.Unlock()
		return domain.Position{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if p.Status != domain.PositionClosing {
		out := p.Clone()
		m.mu.Unlock()
		return out, nil
	}

	if brokerErr != nil {
		p.Status = domain.PositionOpen
		reason := p.CloseReason
		p.CloseReason = ""
		m.persistLocked(ctx)
		out := p.Clone()
		m.mu.Unlock()

		m.logger.Warn("close failed, position reopened",
			slog.String("id", out.ID),
			slog.String("symbol", out.Symbol),
			slog.String("reason", string(reason)),
			slog.String("error", brokerErr.Error()),
		)
		m.publish(ctx, domain.Event{
			Type:       domain.EventCloseFailed,
			PositionID: out.ID,
			Symbol:     out.Symbol,
			Reason:     string(reason),
			Detail:     brokerErr.Error(),
			At:         m.now().UTC(),
		})
		return out, fmt.Errorf("%w: close %s: %v", domain.ErrBroker, out.Symbol, brokerErr)
	}

	now := m.now().UTC()
	pnl := p.PnLAt(fill.Price)
	exit := fill.Price
	p.Status = domain.PositionClosed
	p.ClosedAt = &now
	p.ExitPrice = &exit
	p.RealizedPnL = &pnl
	m.persistLocked(ctx)
	out := p.Clone()
	m.mu.Unlock()

	m.logger.Info("position closed",
		slog.String("id", out.ID),
		slog.String("symbol", out.Symbol),
		slog.String("reason", string(out.CloseReason)),
		slog.Float64("exit", exit),
		slog.Float64("pnl", pnl),
	)
	m.publish(ctx, domain.Event{
		Type:       domain.EventPositionClosed,
		PositionID: out.ID,
		Symbol:     out.Symbol,
		Reason:     string(out.CloseReason),
		Price:      exit,
		PnL:        pnl,
		At:         now,
	})
	if m.history != nil {
		if err := m.history.Archive(ctx, out); err != nil {
			m.logger.Warn("history archive failed",
				slog.String("id", out.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return out, nil
}

// CloseAll claims every open position for closing and returns the claimed
// copies. Each returned position is closed independently by the caller;
// one broker failure must not stop the rest.
func (m *Manager) CloseAll(ctx context.Context, reason domain.CloseReason) []domain.Position {
	m.mu.Lock()
	var out []domain.Position
	for _, p := range m.table {
		if p.Status != domain.PositionOpen {
			continue
		}
		p.Status = domain.PositionClosing
		p.CloseReason = reason
		out = append(out, p.Clone())
	}
	if len(out) > 0 {
		m.persistLocked(ctx)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	if len(out) > 0 {
		m.logger.Info("close all claimed", slog.Int("count", len(out)), slog.String("reason", string(reason)))
	}
	return out
}

// Get returns a copy of one position.
func (m *Manager) Get(id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.table[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return p.Clone(), nil
}

// FindActive returns the open or closing position on a symbol and side.
func (m *Manager) FindActive(symbol string, side domain.Side) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.table {
		if p.Symbol == symbol && p.Side == side && p.Active() {
			return p.Clone(), nil
		}
	}
	return domain.Position{}, fmt.Errorf("%w: %s %s", domain.ErrNotFound, symbol, side)
}

// List returns copies of every tracked position ordered by open time.
func (m *Manager) List() []domain.Position {
	m.mu.Lock()
	out := m.snapshotLocked()
	m.mu.Unlock()
	return out
}

// ActiveCount reports how many capacity slots are in use.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCountLocked()
}

// ActiveSymbols lists the distinct symbols with live exposure, for feed
// subscriptions.
func (m *Manager) ActiveSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, p := range m.table {
		if !p.Active() {
			continue
		}
		if _, ok := seen[p.Symbol]; ok {
			continue
		}
		seen[p.Symbol] = struct{}{}
		out = append(out, p.Symbol)
	}
	sort.Strings(out)
	return out
}

// Restore replaces the table with a loaded snapshot. Positions caught
// mid-close by a crash come back as open so their exits re-trigger; the
// crash may have lost the broker outcome, and re-evaluating is safer than
// assuming the order went through.
func (m *Manager) Restore(ctx context.Context, positions []domain.Position) int {
	recovered := 0
	m.mu.Lock()
	m.table = make(map[string]*domain.Position, len(positions))
	for i := range positions {
		p := positions[i].Clone()
		if p.Status == domain.PositionClosing {
			p.Status = domain.PositionOpen
			p.CloseReason = ""
			recovered++
		}
		m.table[p.ID] = &p
	}
	m.persistLocked(ctx)
	total := len(m.table)
	m.mu.Unlock()

	m.logger.Info("position table restored",
		slog.Int("positions", total),
		slog.Int("reopened", recovered),
	)
	return recovered
}

// Sweep evicts closed positions past the retention window. Their history
// rows remain in the archive.
func (m *Manager) Sweep(ctx context.Context) int {
	if m.cfg.Retention <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.cfg.Retention)

	m.mu.Lock()
	removed := 0
	for id, p := range m.table {
		if p.Status == domain.PositionClosed && p.ClosedAt != nil && p.ClosedAt.Before(cutoff) {
			delete(m.table, id)
			removed++
		}
	}
	if removed > 0 {
		m.persistLocked(ctx)
	}
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Debug("swept closed positions", slog.Int("removed", removed))
	}
	return removed
}

func (m *Manager) activeOnSymbolLocked(symbol string) bool {
	for _, p := range m.table {
		if p.Symbol == symbol && p.Active() {
			return true
		}
	}
	return false
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, p := range m.table {
		if p.Active() {
			n++
		}
	}
	return n
}

func (m *Manager) snapshotLocked() []domain.Position {
	out := make([]domain.Position, 0, len(m.table))
	for _, p := range m.table {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// persistLocked writes the current table to the snapshot store. Failures
// are logged and counted; state mutations are never rolled back for a
// persistence error and the next mutation retries the write.
func (m *Manager) persistLocked(ctx context.Context) {
	if err := m.store.Save(ctx, m.snapshotLocked()); err != nil {
		m.persistFailures++
		m.logger.Error("snapshot save failed",
			slog.Int("consecutive", m.persistFailures),
			slog.String("error", err.Error()),
		)
		if m.persistFailures == persistAlertThreshold {
			m.publish(ctx, domain.Event{
				Type:   domain.EventPersistenceFailed,
				Detail: err.Error(),
				At:     m.now().UTC(),
			})
		}
		return
	}
	m.persistFailures = 0
}

func (m *Manager) publish(ctx context.Context, e domain.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, e); err != nil {
		m.logger.Warn("event publish failed",
			slog.String("type", e.Type),
			slog.String("error", err.Error()),
		)
	}
}
