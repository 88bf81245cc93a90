package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/awickham/exitbot/internal/dispatcher"
	"github.com/awickham/exitbot/internal/feed"
	"github.com/awickham/exitbot/internal/notify"
	"github.com/awickham/exitbot/internal/position"
	"github.com/awickham/exitbot/internal/server"
	"github.com/awickham/exitbot/internal/server/handler"
	"github.com/awickham/exitbot/internal/service"
)

// TradeMode runs the full engine: signal webhook, price feed, exit
// dispatcher, and the HTTP API.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")
	return a.runEngine(ctx, deps, true)
}

// MonitorMode manages positions restored from the snapshot but accepts no new
// entries: the webhook route is not registered. Stops, trailing stops, and
// take profits on existing positions still execute.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	return a.runEngine(ctx, deps, false)
}

func (a *App) runEngine(ctx context.Context, deps *Dependencies, acceptSignals bool) error {
	g, ctx := errgroup.WithContext(ctx)

	mgr := position.NewManager(position.Config{
		MaxConcurrent: a.cfg.Trading.MaxConcurrentPositions,
		MaxLeverage:   a.cfg.Trading.MaxLeverage,
		Retention:     a.cfg.Monitor.Retention.Duration,
	}, deps.Broker, deps.Snapshot, deps.History, deps.Bus, a.logger)

	disp := dispatcher.New(dispatcher.Config{
		StaleAfter:    a.cfg.Monitor.StaleAfter.Duration,
		CheckInterval: a.cfg.Monitor.CheckInterval.Duration,
		BrokerTimeout: a.cfg.Monitor.BrokerTimeout.Duration,
	}, mgr, deps.Broker, deps.Bus, a.logger)

	wsFeed := feed.NewCoinbaseFeed(a.cfg.Coinbase.WSURL, disp.HandleTick, deps.Prices, a.logger)

	// Restore the position table before ticks start flowing.
	positions, err := deps.Snapshot.Load(ctx)
	if err != nil {
		return fmt.Errorf("app: load snapshot: %w", err)
	}
	if n := mgr.Restore(ctx, positions); n > 0 {
		a.logger.InfoContext(ctx, "recovered positions from snapshot",
			slog.Int("count", n),
		)
	}
	if symbols := mgr.ActiveSymbols(); len(symbols) > 0 {
		if err := wsFeed.EnsureSubscribed(symbols...); err != nil {
			return fmt.Errorf("app: subscribe restored symbols: %w", err)
		}
	}

	paperMode := !a.cfg.Trading.Enabled
	tradeSvc := service.NewTradeService(mgr, disp, wsFeed, deps.Prices, deps.History, service.Defaults{
		SizeUSD:               a.cfg.Trading.PositionSizeUSD,
		Leverage:              a.cfg.Trading.Leverage,
		StopLossPct:           a.cfg.Trading.StopLossPct,
		TakeProfitPct:         a.cfg.Trading.TakeProfitPct,
		TrailingActivationPct: a.cfg.Trading.TrailingActivationPct,
		TrailingDistancePct:   a.cfg.Trading.TrailingDistancePct,
	}, paperMode, a.logger)

	g.Go(func() error {
		return disp.Run(ctx)
	})
	g.Go(func() error {
		defer wsFeed.Close()
		return wsFeed.Run(ctx)
	})

	// Notification bridge: forward engine events to Telegram/Discord.
	bridge := notify.NewBridge(deps.Bus, deps.Notifier, a.logger)
	if err := bridge.Start(ctx); err != nil {
		a.logger.WarnContext(ctx, "notification bridge unavailable",
			slog.String("error", err.Error()),
		)
	}
	if err := deps.Notifier.Announce(ctx, "Exit engine started",
		fmt.Sprintf("Mode: %s\nPaper trading: %t\nActive positions: %d",
			a.cfg.Mode, paperMode, mgr.ActiveCount())); err != nil {
		a.logger.WarnContext(ctx, "startup announcement failed",
			slog.String("error", err.Error()),
		)
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, tradeSvc, acceptSignals)
	}

	return g.Wait()
}

// startHTTPServer registers the API routes and runs the server until the
// context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, svc *service.TradeService, acceptSignals bool) {
	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(svc, a.logger),
		Positions: handler.NewPositionHandler(svc, a.logger),
		Status:    handler.NewStatusHandler(svc, a.logger),
	}
	if acceptSignals {
		handlers.Webhook = handler.NewWebhookHandler(svc, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, handlers, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
