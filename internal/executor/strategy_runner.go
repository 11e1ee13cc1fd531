package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/alanyoungcy/papertrade/internal/scheduler"
	"github.com/alanyoungcy/papertrade/internal/strategy"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ActionExecutor fills one strategy action. *service.TradeService
// satisfies it.
type ActionExecutor interface {
	ExecuteStrategyAction(ctx context.Context, st domain.Strategy, a domain.Action, price decimal.Decimal) (domain.Trade, error)
}

// StrategyStats summarises one runner cycle.
type StrategyStats struct {
	Strategies int
	Fired      int
	Trades     int
	Skipped    int
	Errors     int
}

// StrategyRunner evaluates every active strategy and runs the actions of
// those whose conditions all hold.
type StrategyRunner struct {
	strategies  domain.StrategyStore
	indicators  *strategy.Registry
	actions     ActionExecutor
	cooldown    *Cooldown
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
}

// NewStrategyRunner creates a StrategyRunner. cooldown may be nil.
func NewStrategyRunner(
	strategies domain.StrategyStore,
	indicators *strategy.Registry,
	actions ActionExecutor,
	cooldown *Cooldown,
	concurrency int,
	logger *slog.Logger,
) *StrategyRunner {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &StrategyRunner{
		strategies:  strategies,
		indicators:  indicators,
		actions:     actions,
		cooldown:    cooldown,
		concurrency: concurrency,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.With(slog.String("component", "strategy_runner")),
	}
}

// Task adapts RunCycle to the scheduler.
func (r *StrategyRunner) Task() scheduler.Task {
	return func(ctx context.Context) error {
		_, err := r.RunCycle(ctx)
		if r.cooldown != nil {
			r.cooldown.Cleanup()
		}
		return err
	}
}

// RunCycle reads one snapshot per instrument and evaluates every active
// strategy on it.
func (r *StrategyRunner) RunCycle(ctx context.Context) (StrategyStats, error) {
	started := r.now()
	active, err := r.strategies.ListActive(ctx)
	if err != nil {
		return StrategyStats{}, fmt.Errorf("strategy_runner: list active: %w", err)
	}

	groups := make(map[string][]domain.Strategy)
	var ids []string
	for _, st := range active {
		if _, ok := groups[st.InstrumentID]; !ok {
			ids = append(ids, st.InstrumentID)
		}
		groups[st.InstrumentID] = append(groups[st.InstrumentID], st)
	}

	var (
		mu    sync.Mutex
		stats = StrategyStats{Strategies: len(active)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, id := range ids {
		instrumentID, list := id, groups[id]
		g.Go(func() error {
			local := r.runInstrument(gctx, started, instrumentID, list)
			mu.Lock()
			stats.Fired += local.Fired
			stats.Trades += local.Trades
			stats.Skipped += local.Skipped
			stats.Errors += local.Errors
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if stats.Fired > 0 || stats.Errors > 0 {
		r.logger.InfoContext(ctx, "strategy cycle complete",
			slog.Int("strategies", stats.Strategies),
			slog.Int("fired", stats.Fired),
			slog.Int("trades", stats.Trades),
			slog.Int("skipped", stats.Skipped),
			slog.Int("errors", stats.Errors),
		)
	}
	return stats, ctx.Err()
}

func (r *StrategyRunner) runInstrument(ctx context.Context, started time.Time, instrumentID string, list []domain.Strategy) StrategyStats {
	var st StrategyStats

	want := []domain.Indicator{domain.IndicatorPrice}
	for _, s := range list {
		want = append(want, strategy.Indicators(s.Conditions)...)
	}
	snap, err := r.indicators.Snapshot(ctx, instrumentID, dedupeIndicators(want))
	if err != nil {
		r.logger.WarnContext(ctx, "skipping instrument, snapshot unavailable",
			slog.String("coin_id", instrumentID),
			slog.Int("strategies", len(list)),
			slog.String("error", err.Error()),
		)
		st.Errors++
		return st
	}
	price, ok := snap[domain.IndicatorPrice]
	if !ok {
		st.Errors++
		return st
	}

	for _, s := range list {
		if ctx.Err() != nil {
			return st
		}
		if !strategy.Evaluate(s.Conditions, snap) {
			continue
		}
		if r.cooldown != nil && !r.cooldown.ClaimAt(s.ID, started) {
			st.Skipped++
			continue
		}
		st.Fired++
		trades, errs := r.fire(ctx, s, price)
		st.Trades += trades
		st.Errors += errs
	}
	return st
}

// fire runs every action in order. A failed action is logged and the rest
// still run.
func (r *StrategyRunner) fire(ctx context.Context, s domain.Strategy, price decimal.Decimal) (trades, errs int) {
	r.logger.InfoContext(ctx, "strategy conditions met",
		slog.String("strategy_id", s.ID),
		slog.String("user_id", s.UserID),
		slog.String("coin_id", s.InstrumentID),
		slog.String("price", price.String()),
	)
	for i, a := range s.Actions {
		trade, err := r.actions.ExecuteStrategyAction(ctx, s, a, price)
		if err != nil {
			r.logger.WarnContext(ctx, "strategy action failed",
				slog.String("strategy_id", s.ID),
				slog.Int("action", i),
				slog.String("side", string(a.Side)),
				slog.String("error", err.Error()),
			)
			errs++
			continue
		}
		trades++

		profit := decimal.Zero
		if trade.Profit != nil {
			profit = *trade.Profit
		}
		successful := trade.Side == domain.SideSell && profit.IsPositive()
		if err := r.strategies.RecordExecution(ctx, s.ID, successful, profit, r.now()); err != nil {
			r.logger.WarnContext(ctx, "record strategy execution",
				slog.String("strategy_id", s.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return trades, errs
}

func dedupeIndicators(in []domain.Indicator) []domain.Indicator {
	seen := make(map[domain.Indicator]bool, len(in))
	out := in[:0]
	for _, ind := range in {
		if seen[ind] {
			continue
		}
		seen[ind] = true
		out = append(out, ind)
	}
	return out
}
