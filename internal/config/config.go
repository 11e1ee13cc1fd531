// Package config defines the top-level configuration for the paper trading
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PAPERTRADE_* environment variables.
type Config struct {
	Ledger    LedgerConfig    `toml:"ledger"`
	Engine    EngineConfig    `toml:"engine"`
	CoinGecko CoinGeckoConfig `toml:"coingecko"`
	Oracle    OracleConfig    `toml:"oracle"`
	Storage   StorageConfig   `toml:"storage"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// LedgerConfig holds portfolio parameters.
type LedgerConfig struct {
	StartingBalance  decimal.Decimal `toml:"starting_balance"`
	HistoryLimit     int             `toml:"history_limit"`
	DistributedLocks bool            `toml:"distributed_locks"`
	LockTTL          duration        `toml:"lock_ttl"`
}

// EngineConfig holds the cadence of the periodic engines.
type EngineConfig struct {
	TriggerInterval  duration `toml:"trigger_interval"`
	StrategyInterval duration `toml:"strategy_interval"`
	WatcherInterval  duration `toml:"watcher_interval"`
	StrategyCooldown duration `toml:"strategy_cooldown"`
	Concurrency      int      `toml:"concurrency"`
}

// CoinGeckoConfig holds the market-data API endpoint.
type CoinGeckoConfig struct {
	BaseURL string   `toml:"base_url"`
	APIKey  string   `toml:"api_key"`
	Timeout duration `toml:"timeout"`
}

// OracleConfig holds price cache and retry parameters.
type OracleConfig struct {
	TTL         duration `toml:"ttl"`
	MaxRetries  int      `toml:"max_retries"`
	BaseBackoff duration `toml:"base_backoff"`
	MaxBackoff  duration `toml:"max_backoff"`
	// RequestsPerMinute is the upstream budget shared by every process.
	RequestsPerMinute int `toml:"requests_per_minute"`
}

// StorageConfig selects the backends. Store is "memory" or "postgres";
// Cache is "memory" or "redis".
type StorageConfig struct {
	Store string `toml:"store"`
	Cache string `toml:"cache"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	URL        string `toml:"url"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls the export of old orders and trades to S3.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	BatchSize     int    `toml:"batch_size"`
	Schedule      string `toml:"schedule"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds outbound notification targets.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			StartingBalance: decimal.NewFromInt(100000),
			HistoryLimit:    50,
			LockTTL:         duration{10 * time.Second},
		},
		Engine: EngineConfig{
			TriggerInterval:  duration{time.Minute},
			StrategyInterval: duration{5 * time.Minute},
			WatcherInterval:  duration{30 * time.Second},
			Concurrency:      8,
		},
		CoinGecko: CoinGeckoConfig{
			BaseURL: "https://api.coingecko.com/api/v3",
			Timeout: duration{10 * time.Second},
		},
		Oracle: OracleConfig{
			TTL:               duration{60 * time.Second},
			MaxRetries:        3,
			BaseBackoff:       duration{time.Second},
			MaxBackoff:        duration{30 * time.Second},
			RequestsPerMinute: 30,
		},
		Storage: StorageConfig{
			Store: "memory",
			Cache: "memory",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "papertrade",
			User:            "postgres",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    2,
			MaxConnLifetime: duration{time.Hour},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "papertrade-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			BatchSize:     5000,
			Schedule:      "0 3 * * *",
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"order-filled", "order-failed", "strategy-executed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"full":   true,
	"server": true,
	"worker": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration and returns every problem found joined
// into a single error.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, server, worker)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if !c.Ledger.StartingBalance.IsPositive() {
		errs = append(errs, "ledger: starting_balance must be positive")
	}
	if c.Ledger.HistoryLimit <= 0 {
		errs = append(errs, "ledger: history_limit must be positive")
	}
	if c.Ledger.DistributedLocks {
		if c.Storage.Cache != "redis" {
			errs = append(errs, "ledger: distributed_locks requires storage.cache = \"redis\"")
		}
		if c.Ledger.LockTTL.Duration <= 0 {
			errs = append(errs, "ledger: lock_ttl must be positive")
		}
	}

	intervals := []struct {
		name string
		d    duration
	}{
		{"trigger_interval", c.Engine.TriggerInterval},
		{"strategy_interval", c.Engine.StrategyInterval},
		{"watcher_interval", c.Engine.WatcherInterval},
	}
	for _, iv := range intervals {
		if iv.d.Duration <= 0 {
			errs = append(errs, "engine: "+iv.name+" must be positive")
		}
	}
	if cd := c.Engine.StrategyCooldown.Duration; cd < 0 {
		errs = append(errs, "engine: strategy_cooldown must not be negative")
	} else if cd >= c.Engine.StrategyInterval.Duration && c.Engine.StrategyInterval.Duration > 0 {
		errs = append(errs, fmt.Sprintf("engine: strategy_cooldown (%s) must be shorter than strategy_interval (%s)", cd, c.Engine.StrategyInterval.Duration))
	}
	if c.Engine.Concurrency <= 0 {
		errs = append(errs, "engine: concurrency must be positive")
	}

	if c.CoinGecko.BaseURL == "" {
		errs = append(errs, "coingecko: base_url must not be empty")
	}
	if c.Oracle.TTL.Duration <= 0 {
		errs = append(errs, "oracle: ttl must be positive")
	}
	if c.Oracle.MaxRetries < 0 {
		errs = append(errs, "oracle: max_retries must not be negative")
	}
	if c.Oracle.RequestsPerMinute <= 0 {
		errs = append(errs, "oracle: requests_per_minute must be positive")
	}

	switch c.Storage.Store {
	case "memory":
	case "postgres":
		if c.Postgres.DSN == "" && c.Postgres.Host == "" {
			errs = append(errs, "postgres: either dsn or host must be set")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, fmt.Sprintf("postgres: pool_min_conns (%d) > pool_max_conns (%d)", c.Postgres.PoolMinConns, c.Postgres.PoolMaxConns))
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown store %q (valid: memory, postgres)", c.Storage.Store))
	}
	switch c.Storage.Cache {
	case "memory":
	case "redis":
		if c.Redis.URL == "" && c.Redis.Addr == "" {
			errs = append(errs, "redis: either url or addr must be set")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown cache %q (valid: memory, redis)", c.Storage.Cache))
	}

	if c.Archive.Enabled {
		if c.Storage.Store != "postgres" {
			errs = append(errs, "archive: requires storage.store = \"postgres\"")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must be set when archive is enabled")
		}
		if c.Archive.RetentionDays <= 0 {
			errs = append(errs, "archive: retention_days must be positive")
		}
		if strings.TrimSpace(c.Archive.Schedule) == "" {
			errs = append(errs, "archive: schedule must not be empty")
		}
	}

	if c.Mode != "worker" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port %d is out of range", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
		errs = append(errs, "server: rate_window must be positive when rate_limit is set")
	}

	if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == "" {
		errs = append(errs, "notify: telegram_chat_id is required when telegram_token is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
