package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/papertrade/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, user_id, order_id, strategy_id, coin_id, coin_symbol, side,
	quantity::text, price::text, total::text, profit::text, source, executed_at`

const insertTrade = `
	INSERT INTO trades (
		id, user_id, order_id, strategy_id, coin_id, coin_symbol, side,
		quantity, price, total, profit, source, executed_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7,
		$8::numeric, $9::numeric, $10::numeric, $11::numeric, $12, $13
	)`

func tradeArgs(t domain.Trade) []any {
	return []any{
		t.ID, t.UserID, t.OrderID, t.StrategyID, t.InstrumentID, t.InstrumentSymbol, string(t.Side),
		t.Quantity.String(), t.Price.String(), t.Total.String(), decimalText(t.Profit),
		string(t.Source), t.ExecutedAt,
	}
}

func (s *TradeStore) Insert(ctx context.Context, t domain.Trade) error {
	if _, err := s.pool.Exec(ctx, insertTrade, tradeArgs(t)...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert trade %s: %w", t.ID, err)
	}
	return nil
}

// InsertBatch writes trades in one round trip, skipping ids already stored.
// The archive restore path uses it.
func (s *TradeStore) InsertBatch(ctx context.Context, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(insertTrade+` ON CONFLICT (id) DO NOTHING`, tradeArgs(t)...)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range trades {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: batch insert trade %d: %w", i, err)
		}
	}
	return nil
}

func (s *TradeStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Trade, error) {
	query, args := listQuery(`SELECT `+tradeSelectCols+` FROM trades WHERE user_id = $1`,
		[]any{userID}, "executed_at", opts)
	return s.query(ctx, "list trades by user", query, args...)
}

func (s *TradeStore) ListByStrategy(ctx context.Context, strategyID string, opts domain.ListOpts) ([]domain.Trade, error) {
	query, args := listQuery(`SELECT `+tradeSelectCols+` FROM trades WHERE strategy_id = $1`,
		[]any{strategyID}, "executed_at", opts)
	return s.query(ctx, "list trades by strategy", query, args...)
}

// ListBefore returns the oldest trades executed before t.
func (s *TradeStore) ListBefore(ctx context.Context, t time.Time, limit int) ([]domain.Trade, error) {
	return s.query(ctx, "list trades before",
		`SELECT `+tradeSelectCols+` FROM trades WHERE executed_at < $1 ORDER BY executed_at, id LIMIT $2`,
		t, limit)
}

func (s *TradeStore) DeleteBatch(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM trades WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *TradeStore) query(ctx context.Context, what, query string, args ...any) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", what, err)
	}
	defer rows.Close()

	out := make([]domain.Trade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan %s: %w", what, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", what, err)
	}
	return out, nil
}

func scanTrade(row rowScanner) (domain.Trade, error) {
	var (
		t                      domain.Trade
		side, source           string
		quantity, price, total string
		profit                 *string
	)
	err := row.Scan(
		&t.ID, &t.UserID, &t.OrderID, &t.StrategyID, &t.InstrumentID, &t.InstrumentSymbol, &side,
		&quantity, &price, &total, &profit, &source, &t.ExecutedAt,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	t.Side = domain.Side(side)
	t.Source = domain.TradeSource(source)
	if t.Quantity, err = parseDecimal("quantity", quantity); err != nil {
		return domain.Trade{}, err
	}
	if t.Price, err = parseDecimal("price", price); err != nil {
		return domain.Trade{}, err
	}
	if t.Total, err = parseDecimal("total", total); err != nil {
		return domain.Trade{}, err
	}
	if t.Profit, err = parseDecimalPtr("profit", profit); err != nil {
		return domain.Trade{}, err
	}
	return t, nil
}
