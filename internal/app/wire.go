package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/papertrade/internal/blob/s3"
	memcache "github.com/alanyoungcy/papertrade/internal/cache/memory"
	"github.com/alanyoungcy/papertrade/internal/cache/redis"
	"github.com/alanyoungcy/papertrade/internal/config"
	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/alanyoungcy/papertrade/internal/notify"
	"github.com/alanyoungcy/papertrade/internal/server/handler"
	memstore "github.com/alanyoungcy/papertrade/internal/store/memory"
	"github.com/alanyoungcy/papertrade/internal/store/postgres"
)

// oracleBudgetKey is the rate-limit key shared by every node calling the
// market-data API.
const oracleBudgetKey = "oracle:coingecko"

// Dependencies bundles every infrastructure dependency that the application
// modes need. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	PortfolioStore domain.PortfolioStore
	OrderStore     domain.OrderStore
	StrategyStore  domain.StrategyStore
	TradeStore     domain.TradeStore
	AuditStore     domain.AuditStore

	// Caches. QuoteCache and LockManager are nil without Redis.
	QuoteCache  domain.QuoteCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage, only when archival is enabled.
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	// Notifications
	Notifier *notify.Notifier

	// Health checks for every external dependency.
	Checks map[string]handler.Checker
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: map[string]handler.Checker{}}

	// --- Stores ---
	switch cfg.Storage.Store {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Postgres.DSN,
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			Database:        cfg.Postgres.Database,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxConns:        cfg.Postgres.PoolMaxConns,
			MinConns:        cfg.Postgres.PoolMinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime.Duration,
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

		pool := pgClient.Pool()
		deps.PortfolioStore = postgres.NewPortfolioStore(pool)
		deps.OrderStore = postgres.NewOrderStore(pool)
		deps.StrategyStore = postgres.NewStrategyStore(pool)
		deps.TradeStore = postgres.NewTradeStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	default:
		logger.Warn("using in-memory stores; state is lost on restart")
		deps.PortfolioStore = memstore.NewPortfolioStore()
		deps.OrderStore = memstore.NewOrderStore()
		deps.StrategyStore = memstore.NewStrategyStore()
		deps.TradeStore = memstore.NewTradeStore()
		deps.AuditStore = memstore.NewAuditStore()
	}

	// --- Caches ---
	switch cfg.Storage.Cache {
	case "redis":
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			URL:        cfg.Redis.URL,
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

		deps.QuoteCache = redis.NewQuoteCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.Oracle.RequestsPerMinute, time.Minute)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	default:
		deps.RateLimiter = memcache.NewRateLimiter(cfg.Oracle.RequestsPerMinute, time.Minute)
		deps.SignalBus = memcache.NewSignalBus()
	}

	// --- S3 blob storage (archival only) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Checks["s3"] = s3Client.Health
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

// oracleThrottle paces upstream calls through the shared rate limiter so
// that every node draws from one budget.
type oracleThrottle struct {
	limiter domain.RateLimiter
}

func (t oracleThrottle) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx, oracleBudgetKey)
}
