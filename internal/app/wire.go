package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/awickham/exitbot/internal/cache/redis"
	"github.com/awickham/exitbot/internal/config"
	"github.com/awickham/exitbot/internal/domain"
	"github.com/awickham/exitbot/internal/notify"
	"github.com/awickham/exitbot/internal/platform/coinbase"
	"github.com/awickham/exitbot/internal/platform/paper"
	"github.com/awickham/exitbot/internal/store/postgres"
	"github.com/awickham/exitbot/internal/store/snapshot"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	Broker   domain.Broker
	Snapshot *snapshot.Store
	History  domain.HistoryStore
	Prices   domain.PriceCache
	Bus      domain.SignalBus

	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Redis: price cache and event bus ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Prices = redis.NewPriceCache(redisClient)
	deps.Bus = redis.NewEventBus(redisClient, logger)

	// --- Snapshot store ---
	snapStore, err := snapshot.NewStore(cfg.Snapshot.Path, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: snapshot store: %w", err)
	}
	deps.Snapshot = snapStore

	// --- PostgreSQL trade history (optional) ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		deps.History = postgres.NewHistoryStore(pgClient)
	}

	// --- Broker: live Coinbase orders or simulated fills ---
	if cfg.Trading.Enabled {
		deps.Broker = coinbase.NewClient(cfg.Coinbase.BaseURL, cfg.Coinbase.APIKey, cfg.Coinbase.APISecret)
	} else {
		deps.Broker = paper.NewBroker(deps.Prices, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
