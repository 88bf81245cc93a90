// Package config defines the top-level configuration for the exit engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by EXITBOT_* environment variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Coinbase CoinbaseConfig `toml:"coinbase"`
	Trading  TradingConfig  `toml:"trading"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Snapshot SnapshotConfig `toml:"snapshot"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
}

// CoinbaseConfig holds Coinbase Advanced Trade API credentials and endpoints.
type CoinbaseConfig struct {
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
	BaseURL   string `toml:"base_url"`
	WSURL     string `toml:"ws_url"`
}

// TradingConfig holds order execution parameters and the per-signal defaults
// applied when an alert omits its risk fields.
type TradingConfig struct {
	// Enabled routes orders to the live broker; when false the engine
	// simulates fills from cached prices (paper mode).
	Enabled                bool    `toml:"enabled"`
	PositionSizeUSD        float64 `toml:"position_size_usd"`
	Leverage               float64 `toml:"leverage"`
	MaxLeverage            float64 `toml:"max_leverage"`
	MaxConcurrentPositions int     `toml:"max_concurrent_positions"`
	StopLossPct            float64 `toml:"stop_loss_pct"`
	TakeProfitPct          float64 `toml:"take_profit_pct"`
	TrailingActivationPct  float64 `toml:"trailing_activation_pct"`
	TrailingDistancePct    float64 `toml:"trailing_distance_pct"`
}

// MonitorConfig holds the tick dispatcher's timing parameters.
type MonitorConfig struct {
	StaleAfter    duration `toml:"stale_after"`
	CheckInterval duration `toml:"check_interval"`
	BrokerTimeout duration `toml:"broker_timeout"`
	// Retention keeps closed positions visible in the table before the
	// sweep evicts them.
	Retention duration `toml:"retention"`
}

// SnapshotConfig holds the position table persistence parameters.
type SnapshotConfig struct {
	Path string `toml:"path"`
}

// PostgresConfig holds PostgreSQL connection parameters for the trade
// history archive. Disabled when no host and no DSN are configured.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{},
		},
		Coinbase: CoinbaseConfig{
			BaseURL: "https://api.coinbase.com",
			WSURL:   "wss://advanced-trade-ws.coinbase.com",
		},
		Trading: TradingConfig{
			Enabled:                false,
			PositionSizeUSD:        100,
			Leverage:               1,
			MaxLeverage:            10,
			MaxConcurrentPositions: 3,
			StopLossPct:            1.5,
			TakeProfitPct:          1.5,
			TrailingActivationPct:  0.8,
			TrailingDistancePct:    0.75,
		},
		Monitor: MonitorConfig{
			StaleAfter:    duration{2 * time.Minute},
			CheckInterval: duration{30 * time.Second},
			BrokerTimeout: duration{10 * time.Second},
			Retention:     duration{1 * time.Hour},
		},
		Snapshot: SnapshotConfig{
			Path: "data/positions.json",
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "exitbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "position_closed", "close_failed", "persistence_failed"},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Coinbase — credentials only required for live order execution.
	if c.Trading.Enabled {
		if c.Coinbase.APIKey == "" || c.Coinbase.APISecret == "" {
			errs = append(errs, "coinbase: api_key and api_secret are required when trading.enabled is true")
		}
	}
	if c.Coinbase.BaseURL == "" {
		errs = append(errs, "coinbase: base_url must not be empty")
	}
	if c.Coinbase.WSURL == "" {
		errs = append(errs, "coinbase: ws_url must not be empty")
	}

	// Trading
	if c.Trading.PositionSizeUSD <= 0 {
		errs = append(errs, "trading: position_size_usd must be > 0")
	}
	if c.Trading.Leverage < 1 {
		errs = append(errs, "trading: leverage must be >= 1")
	}
	if c.Trading.MaxLeverage < 1 {
		errs = append(errs, "trading: max_leverage must be >= 1")
	}
	if c.Trading.Leverage > c.Trading.MaxLeverage {
		errs = append(errs, fmt.Sprintf("trading: leverage %.1f exceeds max_leverage %.1f", c.Trading.Leverage, c.Trading.MaxLeverage))
	}
	if c.Trading.MaxConcurrentPositions < 1 {
		errs = append(errs, "trading: max_concurrent_positions must be >= 1")
	}
	if c.Trading.StopLossPct <= 0 || c.Trading.StopLossPct >= 100 {
		errs = append(errs, "trading: stop_loss_pct must be in (0, 100)")
	}
	if c.Trading.TakeProfitPct <= 0 {
		errs = append(errs, "trading: take_profit_pct must be > 0")
	}
	if c.Trading.TrailingActivationPct < 0 {
		errs = append(errs, "trading: trailing_activation_pct must be >= 0")
	}
	if c.Trading.TrailingDistancePct < 0 || c.Trading.TrailingDistancePct >= 100 {
		errs = append(errs, "trading: trailing_distance_pct must be in [0, 100)")
	}

	// Monitor
	if c.Monitor.StaleAfter.Duration <= 0 {
		errs = append(errs, "monitor: stale_after must be > 0")
	}
	if c.Monitor.CheckInterval.Duration <= 0 {
		errs = append(errs, "monitor: check_interval must be > 0")
	}
	if c.Monitor.BrokerTimeout.Duration <= 0 {
		errs = append(errs, "monitor: broker_timeout must be > 0")
	}

	// Snapshot
	if strings.TrimSpace(c.Snapshot.Path) == "" {
		errs = append(errs, "snapshot: path must not be empty")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Notify — token and chat ID must be set together.
	tt := c.Notify.TelegramToken != ""
	tc := c.Notify.TelegramChatID != ""
	if tt != tc {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
