package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies EXITBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known EXITBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setBool(&cfg.Server.Enabled, "EXITBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "EXITBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "EXITBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "EXITBOT_SERVER_API_KEY")

	// ── Coinbase ──
	setStr(&cfg.Coinbase.APIKey, "EXITBOT_COINBASE_API_KEY")
	setStr(&cfg.Coinbase.APISecret, "EXITBOT_COINBASE_API_SECRET")
	setStr(&cfg.Coinbase.BaseURL, "EXITBOT_COINBASE_BASE_URL")
	setStr(&cfg.Coinbase.WSURL, "EXITBOT_COINBASE_WS_URL")

	// ── Trading ──
	setBool(&cfg.Trading.Enabled, "EXITBOT_TRADING_ENABLED")
	setFloat64(&cfg.Trading.PositionSizeUSD, "EXITBOT_TRADING_POSITION_SIZE_USD")
	setFloat64(&cfg.Trading.Leverage, "EXITBOT_TRADING_LEVERAGE")
	setFloat64(&cfg.Trading.MaxLeverage, "EXITBOT_TRADING_MAX_LEVERAGE")
	setInt(&cfg.Trading.MaxConcurrentPositions, "EXITBOT_TRADING_MAX_CONCURRENT_POSITIONS")
	setFloat64(&cfg.Trading.StopLossPct, "EXITBOT_TRADING_STOP_LOSS_PCT")
	setFloat64(&cfg.Trading.TakeProfitPct, "EXITBOT_TRADING_TAKE_PROFIT_PCT")
	setFloat64(&cfg.Trading.TrailingActivationPct, "EXITBOT_TRADING_TRAILING_ACTIVATION_PCT")
	setFloat64(&cfg.Trading.TrailingDistancePct, "EXITBOT_TRADING_TRAILING_DISTANCE_PCT")

	// ── Monitor ──
	setDuration(&cfg.Monitor.StaleAfter, "EXITBOT_MONITOR_STALE_AFTER")
	setDuration(&cfg.Monitor.CheckInterval, "EXITBOT_MONITOR_CHECK_INTERVAL")
	setDuration(&cfg.Monitor.BrokerTimeout, "EXITBOT_MONITOR_BROKER_TIMEOUT")
	setDuration(&cfg.Monitor.Retention, "EXITBOT_MONITOR_RETENTION")

	// ── Snapshot ──
	setStr(&cfg.Snapshot.Path, "EXITBOT_SNAPSHOT_PATH")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "EXITBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "EXITBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "EXITBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "EXITBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "EXITBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "EXITBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "EXITBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "EXITBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "EXITBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "EXITBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "EXITBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "EXITBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "EXITBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "EXITBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "EXITBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "EXITBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "EXITBOT_REDIS_TLS_ENABLED")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "EXITBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "EXITBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "EXITBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "EXITBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "EXITBOT_MODE")
	setStr(&cfg.LogLevel, "EXITBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
