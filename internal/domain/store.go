package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PortfolioStore persists portfolios. Save must fail with ErrConflict when
// the stored version differs from p.Version, and bumps the version on success.
type PortfolioStore interface {
	Create(ctx context.Context, p Portfolio) error
	Get(ctx context.Context, userID string) (Portfolio, error)
	Save(ctx context.Context, p Portfolio) (Portfolio, error)
}

// OrderStore persists orders.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	// Complete transitions a pending order to completed.
	Complete(ctx context.Context, id string, price, total decimal.Decimal, at time.Time) error
	// Fail transitions a pending order to failed.
	Fail(ctx context.Context, id string, reason string, at time.Time) error
	// Delete removes a pending order (cancellation).
	Delete(ctx context.Context, id string) error
	ListPending(ctx context.Context) ([]Order, error)
	ListPendingByUser(ctx context.Context, userID string) ([]Order, error)
	ListHistoryByUser(ctx context.Context, userID string, opts ListOpts) ([]Order, error)
	// ListTerminalBefore returns completed and failed orders last updated before t.
	ListTerminalBefore(ctx context.Context, t time.Time, limit int) ([]Order, error)
	DeleteBatch(ctx context.Context, ids []string) (int64, error)
}

// StrategyStore persists strategies.
type StrategyStore interface {
	Create(ctx context.Context, s Strategy) error
	Update(ctx context.Context, s Strategy) error
	GetByID(ctx context.Context, id string) (Strategy, error)
	Delete(ctx context.Context, id string) error
	ListByUser(ctx context.Context, userID string) ([]Strategy, error)
	ListActive(ctx context.Context) ([]Strategy, error)
	// RecordExecution atomically adds to the performance counters.
	RecordExecution(ctx context.Context, id string, successful bool, profit decimal.Decimal, at time.Time) error
}

// TradeStore persists fills.
type TradeStore interface {
	Insert(ctx context.Context, t Trade) error
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Trade, error)
	ListByStrategy(ctx context.Context, strategyID string, opts ListOpts) ([]Trade, error)
	ListBefore(ctx context.Context, t time.Time, limit int) ([]Trade, error)
	DeleteBatch(ctx context.Context, ids []string) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
