// Package dispatcher drives the tick pipeline: every feed tick is applied
// to the position table and any claimed exits are executed against the
// broker. It also watches per-symbol tick freshness and evicts expired
// closed positions.
package dispatcher

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/awickham/exitbot/internal/domain"
	"github.com/awickham/exitbot/internal/position"
)

// Config tunes the dispatcher's timers.
type Config struct {
	// StaleAfter flags a symbol whose last tick is older than this.
	// Stale positions stay open; exits cannot be trusted on old prices.
	StaleAfter time.Duration
	// CheckInterval paces the staleness scan and the retention sweep.
	CheckInterval time.Duration
	// BrokerTimeout bounds each close order. Expiry counts as a failed
	// order and reopens the position.
	BrokerTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Minute
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.BrokerTimeout <= 0 {
		c.BrokerTimeout = 10 * time.Second
	}
}

// Dispatcher connects the feed, the position table and the broker.
type Dispatcher struct {
	cfg    Config
	mgr    *position.Manager
	broker domain.Broker
	bus    domain.SignalBus
	logger *slog.Logger

	mu        sync.Mutex
	lastTick  map[string]time.Time
	stale     map[string]bool
	startedAt time.Time

	closes sync.WaitGroup
	now    func() time.Time
}

// New builds a dispatcher. bus may be nil.
func New(cfg Config, mgr *position.Manager, broker domain.Broker, bus domain.SignalBus, logger *slog.Logger) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:      cfg,
		mgr:      mgr,
		broker:   broker,
		bus:      bus,
		logger:   logger.With(slog.String("component", "dispatcher")),
		lastTick: make(map[string]time.Time),
		stale:    make(map[string]bool),
		now:      time.Now,
	}
}

// HandleTick is the feed callback. Exit evaluation happens inline; broker
// orders run in their own goroutines so a slow venue never stalls the
// stream.
func (d *Dispatcher) HandleTick(ctx context.Context, t domain.Tick) {
	d.mu.Lock()
	d.lastTick[t.Symbol] = d.now()
	if d.stale[t.Symbol] {
		delete(d.stale, t.Symbol)
		d.logger.Info("symbol feed recovered", slog.String("symbol", t.Symbol))
	}
	d.mu.Unlock()

	// Claimed closes run detached from the tick context: once claimed,
	// an order must resolve even while the process is shutting down.
	detached := context.WithoutCancel(ctx)
	for _, claimed := range d.mgr.ApplyTick(ctx, t) {
		d.closes.Add(1)
		go func(p domain.Position) {
			defer d.closes.Done()
			if _, err := d.ExecuteClose(detached, p); err != nil {
				d.logger.Warn("exit execution failed",
					slog.String("id", p.ID),
					slog.String("symbol", p.Symbol),
					slog.String("error", err.Error()),
				)
			}
		}(claimed)
	}
}

// ExecuteClose places the broker order for a claimed close and settles
// the outcome on the table. Finalization runs even when the parent
// context is already cancelled; a claimed close must always resolve to
// closed or back to open.
func (d *Dispatcher) ExecuteClose(ctx context.Context, p domain.Position) (domain.Position, error) {
	bctx, cancel := context.WithTimeout(ctx, d.cfg.BrokerTimeout)
	fill, err := d.broker.CloseMarket(bctx, p)
	cancel()
	return d.mgr.FinalizeClose(context.WithoutCancel(ctx), p.ID, fill, err)
}

// StaleSymbols lists symbols currently flagged for missing ticks.
func (d *Dispatcher) StaleSymbols() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.stale))
	for sym := range d.stale {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Run loops the staleness scan and retention sweep until the context
// ends, then drains in-flight close orders.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	d.startedAt = d.now()
	d.mu.Unlock()

	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started",
		slog.Duration("stale_after", d.cfg.StaleAfter),
		slog.Duration("check_interval", d.cfg.CheckInterval),
	)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping, draining in-flight closes")
			d.closes.Wait()
			return nil
		case <-ticker.C:
			d.flagStale(ctx)
			d.mgr.Sweep(ctx)
		}
	}
}

func (d *Dispatcher) flagStale(ctx context.Context) {
	symbols := d.mgr.ActiveSymbols()
	now := d.now()

	var flagged []string
	d.mu.Lock()
	for _, sym := range symbols {
		last, seen := d.lastTick[sym]
		if !seen {
			last = d.startedAt
		}
		if now.Sub(last) > d.cfg.StaleAfter && !d.stale[sym] {
			d.stale[sym] = true
			flagged = append(flagged, sym)
		}
	}
	d.mu.Unlock()

	for _, sym := range flagged {
		d.logger.Warn("no recent ticks for symbol",
			slog.String("symbol", sym),
			slog.Duration("stale_after", d.cfg.StaleAfter),
		)
		if d.bus != nil {
			if err := d.bus.Publish(ctx, domain.Event{
				Type:   domain.EventFeedStale,
				Symbol: sym,
				At:     now.UTC(),
			}); err != nil {
				d.logger.Warn("event publish failed", slog.String("error", err.Error()))
			}
		}
	}
}
