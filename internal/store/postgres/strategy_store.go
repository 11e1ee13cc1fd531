package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/papertrade/internal/domain"
)

// StrategyStore implements domain.StrategyStore. Conditions and actions are
// JSONB; the performance counters are plain columns so RecordExecution can
// increment them in place.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore creates a StrategyStore backed by pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

const strategySelectCols = `id, user_id, name, description, coin_id, coin_symbol, side,
	conditions, actions, is_active, executed_trades, successful_trades,
	total_profit::text, last_fired_at, created_at, updated_at`

func (s *StrategyStore) Create(ctx context.Context, st domain.Strategy) error {
	conditions, actions, err := marshalRules(st)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO strategies (
			id, user_id, name, description, coin_id, coin_symbol, side,
			conditions, actions, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = s.pool.Exec(ctx, query,
		st.ID, st.UserID, st.Name, st.Description, st.InstrumentID, st.InstrumentSymbol, string(st.Side),
		conditions, actions, st.Active, st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create strategy %s: %w", st.ID, err)
	}
	return nil
}

// Update rewrites the user-editable fields. Performance is left untouched.
func (s *StrategyStore) Update(ctx context.Context, st domain.Strategy) error {
	conditions, actions, err := marshalRules(st)
	if err != nil {
		return err
	}
	const query = `
		UPDATE strategies
		SET name = $2, description = $3, coin_id = $4, coin_symbol = $5, side = $6,
		    conditions = $7, actions = $8, is_active = $9, updated_at = $10
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		st.ID, st.Name, st.Description, st.InstrumentID, st.InstrumentSymbol, string(st.Side),
		conditions, actions, st.Active, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update strategy %s: %w", st.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *StrategyStore) GetByID(ctx context.Context, id string) (domain.Strategy, error) {
	st, err := scanStrategy(s.pool.QueryRow(ctx, `SELECT `+strategySelectCols+` FROM strategies WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Strategy{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("postgres: get strategy %s: %w", id, err)
	}
	return st, nil
}

func (s *StrategyStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM strategies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete strategy %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *StrategyStore) ListByUser(ctx context.Context, userID string) ([]domain.Strategy, error) {
	return s.query(ctx, "list strategies by user",
		`SELECT `+strategySelectCols+` FROM strategies WHERE user_id = $1 ORDER BY created_at, id`, userID)
}

func (s *StrategyStore) ListActive(ctx context.Context) ([]domain.Strategy, error) {
	return s.query(ctx, "list active strategies",
		`SELECT `+strategySelectCols+` FROM strategies WHERE is_active ORDER BY created_at, id`)
}

// RecordExecution increments the counters in a single statement so
// concurrent runners never lose an update.
func (s *StrategyStore) RecordExecution(ctx context.Context, id string, successful bool, profit decimal.Decimal, at time.Time) error {
	const query = `
		UPDATE strategies
		SET executed_trades = executed_trades + 1,
		    successful_trades = successful_trades + CASE WHEN $2 THEN 1 ELSE 0 END,
		    total_profit = total_profit + $3::numeric,
		    last_fired_at = $4
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, successful, profit.String(), at)
	if err != nil {
		return fmt.Errorf("postgres: record strategy execution %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *StrategyStore) query(ctx context.Context, what, query string, args ...any) ([]domain.Strategy, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", what, err)
	}
	defer rows.Close()

	out := make([]domain.Strategy, 0)
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan %s: %w", what, err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", what, err)
	}
	return out, nil
}

func marshalRules(st domain.Strategy) (conditions, actions []byte, err error) {
	if conditions, err = json.Marshal(st.Conditions); err != nil {
		return nil, nil, fmt.Errorf("postgres: marshal conditions: %w", err)
	}
	if actions, err = json.Marshal(st.Actions); err != nil {
		return nil, nil, fmt.Errorf("postgres: marshal actions: %w", err)
	}
	return conditions, actions, nil
}

func scanStrategy(row rowScanner) (domain.Strategy, error) {
	var (
		st                  domain.Strategy
		side, profit        string
		conditions, actions []byte
	)
	err := row.Scan(
		&st.ID, &st.UserID, &st.Name, &st.Description, &st.InstrumentID, &st.InstrumentSymbol, &side,
		&conditions, &actions, &st.Active,
		&st.Performance.ExecutedTrades, &st.Performance.SuccessfulTrades,
		&profit, &st.LastFiredAt, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return domain.Strategy{}, err
	}
	st.Side = domain.StrategySide(side)
	if st.Performance.TotalProfit, err = parseDecimal("total_profit", profit); err != nil {
		return domain.Strategy{}, err
	}
	if err := json.Unmarshal(conditions, &st.Conditions); err != nil {
		return domain.Strategy{}, fmt.Errorf("postgres: unmarshal conditions: %w", err)
	}
	if err := json.Unmarshal(actions, &st.Actions); err != nil {
		return domain.Strategy{}, fmt.Errorf("postgres: unmarshal actions: %w", err)
	}
	return st, nil
}
