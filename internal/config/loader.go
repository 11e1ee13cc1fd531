package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PAPERTRADE_* environment variable overrides,
// and returns the final Config. An empty path skips the file. The returned
// Config has NOT been validated; the caller should invoke Config.Validate()
// after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PAPERTRADE_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Ledger ──
	setDecimal(&cfg.Ledger.StartingBalance, "PAPERTRADE_LEDGER_STARTING_BALANCE")
	setInt(&cfg.Ledger.HistoryLimit, "PAPERTRADE_LEDGER_HISTORY_LIMIT")
	setBool(&cfg.Ledger.DistributedLocks, "PAPERTRADE_LEDGER_DISTRIBUTED_LOCKS")
	setDuration(&cfg.Ledger.LockTTL, "PAPERTRADE_LEDGER_LOCK_TTL")

	// ── Engine ──
	setDuration(&cfg.Engine.TriggerInterval, "PAPERTRADE_ENGINE_TRIGGER_INTERVAL")
	setDuration(&cfg.Engine.StrategyInterval, "PAPERTRADE_ENGINE_STRATEGY_INTERVAL")
	setDuration(&cfg.Engine.WatcherInterval, "PAPERTRADE_ENGINE_WATCHER_INTERVAL")
	setDuration(&cfg.Engine.StrategyCooldown, "PAPERTRADE_ENGINE_STRATEGY_COOLDOWN")
	setInt(&cfg.Engine.Concurrency, "PAPERTRADE_ENGINE_CONCURRENCY")

	// ── CoinGecko ──
	setStr(&cfg.CoinGecko.BaseURL, "PAPERTRADE_COINGECKO_BASE_URL")
	setStr(&cfg.CoinGecko.APIKey, "PAPERTRADE_COINGECKO_API_KEY")
	setDuration(&cfg.CoinGecko.Timeout, "PAPERTRADE_COINGECKO_TIMEOUT")

	// ── Oracle ──
	setDuration(&cfg.Oracle.TTL, "PAPERTRADE_ORACLE_TTL")
	setInt(&cfg.Oracle.MaxRetries, "PAPERTRADE_ORACLE_MAX_RETRIES")
	setDuration(&cfg.Oracle.BaseBackoff, "PAPERTRADE_ORACLE_BASE_BACKOFF")
	setDuration(&cfg.Oracle.MaxBackoff, "PAPERTRADE_ORACLE_MAX_BACKOFF")
	setInt(&cfg.Oracle.RequestsPerMinute, "PAPERTRADE_ORACLE_REQUESTS_PER_MINUTE")

	// ── Storage ──
	setStr(&cfg.Storage.Store, "PAPERTRADE_STORAGE_STORE")
	setStr(&cfg.Storage.Cache, "PAPERTRADE_STORAGE_CACHE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PAPERTRADE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "PAPERTRADE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PAPERTRADE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PAPERTRADE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PAPERTRADE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PAPERTRADE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PAPERTRADE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PAPERTRADE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PAPERTRADE_POSTGRES_POOL_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "PAPERTRADE_POSTGRES_MAX_CONN_LIFETIME")
	setBool(&cfg.Postgres.RunMigrations, "PAPERTRADE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "PAPERTRADE_REDIS_URL")
	setStr(&cfg.Redis.Addr, "PAPERTRADE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PAPERTRADE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PAPERTRADE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PAPERTRADE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PAPERTRADE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PAPERTRADE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PAPERTRADE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PAPERTRADE_S3_REGION")
	setStr(&cfg.S3.Bucket, "PAPERTRADE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PAPERTRADE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PAPERTRADE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PAPERTRADE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PAPERTRADE_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "PAPERTRADE_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "PAPERTRADE_ARCHIVE_RETENTION_DAYS")
	setInt(&cfg.Archive.BatchSize, "PAPERTRADE_ARCHIVE_BATCH_SIZE")
	setStr(&cfg.Archive.Schedule, "PAPERTRADE_ARCHIVE_SCHEDULE")

	// ── Server ──
	setInt(&cfg.Server.Port, "PAPERTRADE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PAPERTRADE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PAPERTRADE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "PAPERTRADE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "PAPERTRADE_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PAPERTRADE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PAPERTRADE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PAPERTRADE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PAPERTRADE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PAPERTRADE_MODE")
	setStr(&cfg.LogLevel, "PAPERTRADE_LOG_LEVEL")
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

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
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
