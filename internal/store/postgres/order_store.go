package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/papertrade/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates an OrderStore backed by pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderSelectCols = `id, user_id, coin_id, coin_symbol, side, order_type,
	quantity::text, limit_price::text, stop_price::text, reserved::text,
	execution_price::text, total::text, status, failure_reason,
	created_at, updated_at, executed_at`

func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, user_id, coin_id, coin_symbol, side, order_type,
			quantity, limit_price, stop_price, reserved,
			execution_price, total, status, failure_reason,
			created_at, updated_at, executed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::numeric, $8::numeric, $9::numeric, $10::numeric,
			$11::numeric, $12::numeric, $13, $14,
			$15, $16, $17
		)`
	_, err := s.pool.Exec(ctx, query,
		o.ID, o.UserID, o.InstrumentID, o.InstrumentSymbol, string(o.Side), string(o.Kind),
		o.Quantity.String(), decimalText(o.LimitPrice), decimalText(o.StopPrice), o.Reserved.String(),
		o.ExecutionPrice.String(), o.Total.String(), string(o.Status), o.FailureReason,
		o.CreatedAt, o.UpdatedAt, o.ExecutedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// Complete moves a pending order to completed. The status guard in the
// WHERE clause makes it safe against a concurrent fail or delete.
func (s *OrderStore) Complete(ctx context.Context, id string, price, total decimal.Decimal, at time.Time) error {
	const query = `
		UPDATE orders
		SET status = 'completed', execution_price = $2::numeric, total = $3::numeric,
		    updated_at = $4, executed_at = $4
		WHERE id = $1 AND status = 'pending'`
	tag, err := s.pool.Exec(ctx, query, id, price.String(), total.String(), at)
	if err != nil {
		return fmt.Errorf("postgres: complete order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrNotPending(ctx, id)
	}
	return nil
}

func (s *OrderStore) Fail(ctx context.Context, id string, reason string, at time.Time) error {
	const query = `
		UPDATE orders SET status = 'failed', failure_reason = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'`
	tag, err := s.pool.Exec(ctx, query, id, reason, at)
	if err != nil {
		return fmt.Errorf("postgres: fail order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrNotPending(ctx, id)
	}
	return nil
}

func (s *OrderStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *OrderStore) missOrNotPending(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check order %s: %w", id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrOrderNotPending
}

// ListPending returns every pending order, oldest first.
func (s *OrderStore) ListPending(ctx context.Context) ([]domain.Order, error) {
	return s.query(ctx, "list pending orders",
		`SELECT `+orderSelectCols+` FROM orders WHERE status = 'pending' ORDER BY created_at, id`)
}

func (s *OrderStore) ListPendingByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	return s.query(ctx, "list pending orders by user",
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE user_id = $1 AND status = 'pending' ORDER BY created_at DESC, id`, userID)
}

func (s *OrderStore) ListHistoryByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Order, error) {
	query, args := listQuery(
		`SELECT `+orderSelectCols+` FROM orders WHERE user_id = $1`,
		[]any{userID}, "created_at", opts)
	return s.query(ctx, "list order history", query, args...)
}

func (s *OrderStore) ListTerminalBefore(ctx context.Context, t time.Time, limit int) ([]domain.Order, error) {
	return s.query(ctx, "list terminal orders",
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE status <> 'pending' AND updated_at < $1
		 ORDER BY updated_at, id LIMIT $2`, t, limit)
}

// DeleteBatch removes the given orders, skipping any still pending.
func (s *OrderStore) DeleteBatch(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = ANY($1) AND status <> 'pending'`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete orders: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *OrderStore) query(ctx context.Context, what, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", what, err)
	}
	defer rows.Close()

	out := make([]domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan %s: %w", what, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", what, err)
	}
	return out, nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		o                                    domain.Order
		side, kind, status                   string
		quantity, reserved, execPrice, total string
		limitPrice, stopPrice                *string
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.InstrumentID, &o.InstrumentSymbol, &side, &kind,
		&quantity, &limitPrice, &stopPrice, &reserved,
		&execPrice, &total, &status, &o.FailureReason,
		&o.CreatedAt, &o.UpdatedAt, &o.ExecutedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.Side(side)
	o.Kind = domain.OrderKind(kind)
	o.Status = domain.OrderStatus(status)

	if o.Quantity, err = parseDecimal("quantity", quantity); err != nil {
		return domain.Order{}, err
	}
	if o.Reserved, err = parseDecimal("reserved", reserved); err != nil {
		return domain.Order{}, err
	}
	if o.ExecutionPrice, err = parseDecimal("execution_price", execPrice); err != nil {
		return domain.Order{}, err
	}
	if o.Total, err = parseDecimal("total", total); err != nil {
		return domain.Order{}, err
	}
	if o.LimitPrice, err = parseDecimalPtr("limit_price", limitPrice); err != nil {
		return domain.Order{}, err
	}
	if o.StopPrice, err = parseDecimalPtr("stop_price", stopPrice); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}
