// Package executor runs the background engines: the trigger evaluator that
// fills resting limit and stop orders, and the strategy runner that fires
// automated strategies. Both run one cycle per scheduler tick and isolate
// failures per instrument.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/alanyoungcy/papertrade/internal/scheduler"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds how many instruments a cycle works on at once.
const DefaultConcurrency = 8

// Pricer quotes one instrument.
type Pricer interface {
	Price(ctx context.Context, instrumentID string) (decimal.Decimal, error)
}

// OrderFiller executes a triggered order. *service.TradeService satisfies it.
type OrderFiller interface {
	FillPendingOrder(ctx context.Context, order domain.Order, price decimal.Decimal) (domain.Order, error)
}

// TriggerStats summarises one evaluator cycle.
type TriggerStats struct {
	Instruments int
	Checked     int
	Filled      int
	Failed      int
	Errors      int
}

// TriggerEvaluator scans pending orders and fills those whose trigger
// condition holds at the current price.
type TriggerEvaluator struct {
	orders      domain.OrderStore
	prices      Pricer
	filler      OrderFiller
	concurrency int
	logger      *slog.Logger
}

// NewTriggerEvaluator creates a TriggerEvaluator. concurrency <= 0 uses
// DefaultConcurrency.
func NewTriggerEvaluator(orders domain.OrderStore, prices Pricer, filler OrderFiller, concurrency int, logger *slog.Logger) *TriggerEvaluator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &TriggerEvaluator{
		orders:      orders,
		prices:      prices,
		filler:      filler,
		concurrency: concurrency,
		logger:      logger.With(slog.String("component", "trigger_evaluator")),
	}
}

// Task adapts RunCycle to the scheduler.
func (e *TriggerEvaluator) Task() scheduler.Task {
	return func(ctx context.Context) error {
		_, err := e.RunCycle(ctx)
		return err
	}
}

// RunCycle fetches one price per instrument with pending orders and fills
// every order it triggers, oldest first. A failed price fetch skips that
// instrument's orders until the next cycle.
func (e *TriggerEvaluator) RunCycle(ctx context.Context) (TriggerStats, error) {
	pending, err := e.orders.ListPending(ctx)
	if err != nil {
		return TriggerStats{}, fmt.Errorf("trigger_evaluator: list pending: %w", err)
	}
	groups, order := groupOrders(pending)

	var (
		mu    sync.Mutex
		stats = TriggerStats{Instruments: len(order)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, id := range order {
		instrumentID, orders := id, groups[id]
		g.Go(func() error {
			local := e.evaluateInstrument(gctx, instrumentID, orders)
			mu.Lock()
			stats.Checked += local.Checked
			stats.Filled += local.Filled
			stats.Failed += local.Failed
			stats.Errors += local.Errors
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if stats.Filled > 0 || stats.Failed > 0 || stats.Errors > 0 {
		e.logger.InfoContext(ctx, "trigger cycle complete",
			slog.Int("instruments", stats.Instruments),
			slog.Int("checked", stats.Checked),
			slog.Int("filled", stats.Filled),
			slog.Int("failed", stats.Failed),
			slog.Int("errors", stats.Errors),
		)
	}
	return stats, ctx.Err()
}

func (e *TriggerEvaluator) evaluateInstrument(ctx context.Context, instrumentID string, orders []domain.Order) TriggerStats {
	var st TriggerStats
	price, err := e.prices.Price(ctx, instrumentID)
	if err != nil {
		e.logger.WarnContext(ctx, "skipping instrument, price unavailable",
			slog.String("coin_id", instrumentID),
			slog.Int("orders", len(orders)),
			slog.String("error", err.Error()),
		)
		st.Errors++
		return st
	}

	for _, o := range orders {
		if ctx.Err() != nil {
			return st
		}
		st.Checked++
		if !o.Triggered(price) {
			continue
		}
		res, err := e.filler.FillPendingOrder(ctx, o, price)
		switch {
		case errors.Is(err, domain.ErrOrderNotPending), errors.Is(err, domain.ErrNotFound):
			// Cancelled or filled since the scan.
			continue
		case err != nil:
			e.logger.WarnContext(ctx, "order fill error",
				slog.String("order_id", o.ID),
				slog.String("coin_id", instrumentID),
				slog.String("error", err.Error()),
			)
			st.Errors++
		case res.Status == domain.OrderStatusFailed:
			st.Failed++
		default:
			st.Filled++
		}
	}
	return st
}

// groupOrders buckets orders by instrument, keeping their relative order,
// and returns the instruments in first-seen order.
func groupOrders(orders []domain.Order) (map[string][]domain.Order, []string) {
	groups := make(map[string][]domain.Order)
	var ids []string
	for _, o := range orders {
		if _, ok := groups[o.InstrumentID]; !ok {
			ids = append(ids, o.InstrumentID)
		}
		groups[o.InstrumentID] = append(groups[o.InstrumentID], o)
	}
	return groups, ids
}
