package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/papertrade/internal/archive"
	"github.com/alanyoungcy/papertrade/internal/broadcast"
	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/alanyoungcy/papertrade/internal/executor"
	"github.com/alanyoungcy/papertrade/internal/ledger"
	"github.com/alanyoungcy/papertrade/internal/oracle"
	"github.com/alanyoungcy/papertrade/internal/platform/coingecko"
	"github.com/alanyoungcy/papertrade/internal/scheduler"
	"github.com/alanyoungcy/papertrade/internal/server"
	"github.com/alanyoungcy/papertrade/internal/server/handler"
	"github.com/alanyoungcy/papertrade/internal/server/ws"
	"github.com/alanyoungcy/papertrade/internal/service"
	"github.com/alanyoungcy/papertrade/internal/strategy"
)

// sweepInterval is how often expired oracle cache entries are dropped.
const sweepInterval = 5 * time.Minute

// core holds the services shared by every mode.
type core struct {
	oracle      *oracle.Oracle
	broadcaster *broadcast.Broadcaster
	trades      *service.TradeService
	markets     *service.MarketService
	strategies  *service.StrategyService
	analytics   *service.AnalyticsService
	watcher     *service.PriceWatcher
	indicators  *strategy.Registry
}

func (a *App) buildCore(deps *Dependencies) *core {
	cfg := a.cfg

	var locks ledger.Locker
	if cfg.Ledger.DistributedLocks && deps.LockManager != nil {
		locks = ledger.NewDistributedLocker(deps.LockManager, cfg.Ledger.LockTTL.Duration, 0)
	}
	led := ledger.New(deps.PortfolioStore, locks, ledger.Config{
		StartingBalance: cfg.Ledger.StartingBalance,
		HistoryLimit:    cfg.Ledger.HistoryLimit,
	}, a.logger)

	// The local token bucket covers single-node setups; with Redis every
	// node draws from one shared budget instead.
	var throttle oracle.Throttle = rate.NewLimiter(rate.Limit(float64(cfg.Oracle.RequestsPerMinute)/60), 1)
	opts := []oracle.Option{}
	if deps.QuoteCache != nil {
		opts = append(opts, oracle.WithSharedCache(deps.QuoteCache))
		throttle = oracleThrottle{limiter: deps.RateLimiter}
	}
	opts = append(opts, oracle.WithThrottle(throttle))
	gecko := coingecko.NewClient(cfg.CoinGecko.BaseURL, cfg.CoinGecko.APIKey, cfg.CoinGecko.Timeout.Duration)
	orc := oracle.New(gecko, oracle.Config{
		TTL:            cfg.Oracle.TTL.Duration,
		MaxRetries:     cfg.Oracle.MaxRetries,
		BaseBackoff:    cfg.Oracle.BaseBackoff.Duration,
		MaxBackoff:     cfg.Oracle.MaxBackoff.Duration,
		RequestTimeout: cfg.CoinGecko.Timeout.Duration,
	}, a.logger, opts...)

	var notifier broadcast.ExecutionNotifier
	if deps.Notifier.Enabled() {
		notifier = deps.Notifier
	}
	bc := broadcast.New(deps.SignalBus, notifier, a.logger)
	journal := service.NewJournal(deps.TradeStore, deps.AuditStore, bc, a.logger)

	indicators := strategy.NewRegistry()
	indicators.Register(domain.IndicatorPrice, strategy.SourceFunc(orc.Price))
	strategy.RegisterMarketIndicators(indicators, orc)

	return &core{
		oracle:      orc,
		broadcaster: bc,
		trades:      service.NewTradeService(led, deps.OrderStore, orc, journal, a.logger),
		markets:     service.NewMarketService(orc, a.logger),
		strategies:  service.NewStrategyService(deps.StrategyStore, deps.TradeStore, indicators, orc, journal, a.logger),
		analytics:   service.NewAnalyticsService(deps.TradeStore, orc, a.logger),
		watcher:     service.NewPriceWatcher(orc, bc, a.logger),
		indicators:  indicators,
	}
}

// FullMode runs the HTTP/WebSocket server and the periodic engines in one
// process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, c *core) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, c)
	if err := a.startWorkers(ctx, g, deps, c); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	return g.Wait()
}

// ServerMode serves the API and pushes price updates for watched instruments.
// Pending orders and strategies are left to worker processes.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies, c *core) error {
	a.logger.InfoContext(ctx, "starting server mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, c)
	return g.Wait()
}

// WorkerMode runs only the periodic engines.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies, c *core) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	g, ctx := errgroup.WithContext(ctx)
	if err := a.startWorkers(ctx, g, deps, c); err != nil {
		return fmt.Errorf("worker mode: %w", err)
	}
	g.Go(func() error {
		return scheduler.NewPeriodic("oracle_sweep", sweepInterval, sweepTask(c.oracle, a.logger), a.logger).Run(ctx)
	})
	return g.Wait()
}

// startWorkers adds the trigger evaluator, the strategy runner and, when
// enabled, the archiver to g.
func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) error {
	eng := a.cfg.Engine

	trigger := executor.NewTriggerEvaluator(deps.OrderStore, c.oracle, c.trades, eng.Concurrency, a.logger)
	g.Go(func() error {
		return scheduler.NewPeriodic("trigger_evaluator", eng.TriggerInterval.Duration, trigger.Task(), a.logger).Run(ctx)
	})

	var cooldown *executor.Cooldown
	if eng.StrategyCooldown.Duration > 0 {
		cooldown = executor.NewCooldown(eng.StrategyCooldown.Duration, nil)
	}
	runner := executor.NewStrategyRunner(deps.StrategyStore, c.indicators, c.trades, cooldown, eng.Concurrency, a.logger)
	g.Go(func() error {
		return scheduler.NewPeriodic("strategy_runner", eng.StrategyInterval.Duration, runner.Task(), a.logger).Run(ctx)
	})

	if a.cfg.Archive.Enabled {
		if deps.BlobWriter == nil {
			return fmt.Errorf("archive enabled but no blob storage is wired")
		}
		arch := archive.New(deps.OrderStore, deps.TradeStore, deps.BlobWriter, deps.BlobReader, deps.AuditStore,
			archive.Config{
				RetentionDays: a.cfg.Archive.RetentionDays,
				BatchSize:     a.cfg.Archive.BatchSize,
			}, a.logger)
		g.Go(func() error {
			return arch.RunCron(ctx, a.cfg.Archive.Schedule)
		})
	}

	a.logger.InfoContext(ctx, "periodic engines started",
		slog.Duration("trigger_interval", eng.TriggerInterval.Duration),
		slog.Duration("strategy_interval", eng.StrategyInterval.Duration),
		slog.Bool("archive", a.cfg.Archive.Enabled),
	)
	return nil
}

// startHTTPServer adds the HTTP server, the WebSocket hub, the price watcher
// and the oracle sweep to g. The server is shut down gracefully when the
// context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	sc := a.cfg.Server

	hub := ws.NewHub(deps.SignalBus, ws.Config{
		Watcher:        c.watcher,
		Replayer:       c.broadcaster,
		AllowedOrigins: sc.CORSOrigins,
	}, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	g.Go(func() error {
		return scheduler.NewPeriodic("price_watcher", a.cfg.Engine.WatcherInterval.Duration, c.watcher.Tick, a.logger).Run(ctx)
	})
	g.Go(func() error {
		return scheduler.NewPeriodic("oracle_sweep", sweepInterval, sweepTask(c.oracle, a.logger), a.logger).Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:        sc.Port,
		CORSOrigins: sc.CORSOrigins,
		APIKey:      sc.APIKey,
		RateLimit:   sc.RateLimit,
		RateWindow:  sc.RateWindow.Duration,
	}, server.Handlers{
		Health:     handler.NewHealthHandler(deps.Checks, a.logger),
		Trades:     handler.NewTradeHandler(c.trades, a.logger),
		Markets:    handler.NewMarketHandler(c.markets, a.logger),
		Strategies: handler.NewStrategyHandler(c.strategies, a.logger),
		Analytics:  handler.NewAnalyticsHandler(c.analytics, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

func sweepTask(o *oracle.Oracle, logger *slog.Logger) scheduler.Task {
	return func(ctx context.Context) error {
		if n := o.Sweep(ctx); n > 0 {
			logger.DebugContext(ctx, "oracle cache swept", slog.Int("dropped", n))
		}
		return nil
	}
}
