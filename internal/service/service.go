// Package service holds the interactive operations of the paper-trading
// engine: market trades, conditional orders, positions, strategies and
// market data. Every balance or holding change goes through ledger.Ledger.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/shopspring/decimal"
)

// PriceSource is the oracle surface used for fills and valuation.
type PriceSource interface {
	Price(ctx context.Context, instrumentID string) (decimal.Decimal, error)
	Prices(ctx context.Context, ids []string) (map[string]decimal.Decimal, error)
}

// MarketSource serves listing and metadata lookups.
type MarketSource interface {
	Markets(ctx context.Context, page, perPage int) ([]domain.MarketCoin, error)
	Coin(ctx context.Context, id string) (domain.CoinDetails, error)
	Search(ctx context.Context, query string) ([]domain.SearchCoin, error)
	Trending(ctx context.Context) ([]domain.SearchCoin, error)
}

// Publisher pushes events to connected clients. *broadcast.Broadcaster
// satisfies it.
type Publisher interface {
	Execution(ctx context.Context, ev domain.ExecutionEvent)
	Price(ctx context.Context, upd domain.PriceUpdate)
}

// Journal records what happened after a fill: the trade row, the audit
// entry and the execution event. Trade rows are written inside the ledger
// commit; audit and events follow it.
type Journal struct {
	trades domain.TradeStore
	audit  domain.AuditStore
	events Publisher
	logger *slog.Logger
}

// NewJournal creates a Journal. audit and events may be nil.
func NewJournal(trades domain.TradeStore, audit domain.AuditStore, events Publisher, logger *slog.Logger) *Journal {
	return &Journal{
		trades: trades,
		audit:  audit,
		events: events,
		logger: logger.With(slog.String("component", "journal")),
	}
}

// InsertTrade persists t. Meant for ledger.Tx commit hooks.
func (j *Journal) InsertTrade(ctx context.Context, t domain.Trade) error {
	return j.trades.Insert(ctx, t)
}

// RemoveTrade deletes a trade row written by InsertTrade in a commit that was
// rolled back.
func (j *Journal) RemoveTrade(ctx context.Context, id string) error {
	_, err := j.trades.DeleteBatch(ctx, []string{id})
	return err
}

// Audit writes an audit row; failures are logged only.
func (j *Journal) Audit(ctx context.Context, event string, detail map[string]any) {
	if j.audit == nil {
		return
	}
	if err := j.audit.Log(ctx, event, detail); err != nil {
		j.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// Publish forwards ev to the publisher.
func (j *Journal) Publish(ctx context.Context, ev domain.ExecutionEvent) {
	if j.events == nil {
		return
	}
	j.events.Execution(ctx, ev)
}

// Executed audits and publishes a completed fill.
func (j *Journal) Executed(ctx context.Context, eventType string, t domain.Trade) {
	j.Audit(ctx, eventType, map[string]any{
		"trade_id":    t.ID,
		"user_id":     t.UserID,
		"order_id":    t.OrderID,
		"strategy_id": t.StrategyID,
		"coin_id":     t.InstrumentID,
		"side":        string(t.Side),
		"quantity":    t.Quantity.String(),
		"price":       t.Price.String(),
		"total":       t.Total.String(),
	})
	j.Publish(ctx, ExecutionEvent(eventType, t))
}

// ExecutionEvent builds the push payload for a fill.
func ExecutionEvent(eventType string, t domain.Trade) domain.ExecutionEvent {
	return domain.ExecutionEvent{
		Type:             eventType,
		UserID:           t.UserID,
		TradeID:          t.ID,
		OrderID:          t.OrderID,
		StrategyID:       t.StrategyID,
		Side:             t.Side,
		InstrumentID:     t.InstrumentID,
		InstrumentSymbol: t.InstrumentSymbol,
		Quantity:         t.Quantity,
		Price:            t.Price,
		Total:            t.Total,
		Timestamp:        t.ExecutedAt,
	}
}

// OrderEvent builds the push payload for an order that did not fill.
func OrderEvent(eventType string, o domain.Order, reason string, at time.Time) domain.ExecutionEvent {
	return domain.ExecutionEvent{
		Type:             eventType,
		UserID:           o.UserID,
		OrderID:          o.ID,
		Side:             o.Side,
		InstrumentID:     o.InstrumentID,
		InstrumentSymbol: o.InstrumentSymbol,
		Quantity:         o.Quantity,
		Reason:           reason,
		Timestamp:        at,
	}
}
