package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/papertrade/internal/domain"
)

// uniqueViolation is the SQLSTATE PostgreSQL reports for duplicate keys.
const uniqueViolation = "23505"

// PortfolioStore implements domain.PortfolioStore. Holdings and history are
// stored as JSONB next to the balance; Save is a compare-and-swap on version.
type PortfolioStore struct {
	pool *pgxpool.Pool
}

// NewPortfolioStore creates a PortfolioStore backed by pool.
func NewPortfolioStore(pool *pgxpool.Pool) *PortfolioStore {
	return &PortfolioStore{pool: pool}
}

func (s *PortfolioStore) Create(ctx context.Context, p domain.Portfolio) error {
	holdings, history, err := marshalPortfolio(p)
	if err != nil {
		return err
	}
	if p.Version == 0 {
		p.Version = 1
	}
	const query = `
		INSERT INTO portfolios (user_id, balance, holdings, history, version, created_at, updated_at)
		VALUES ($1, $2::numeric, $3, $4, $5, $6, $7)`
	_, err = s.pool.Exec(ctx, query,
		p.UserID, p.Balance.String(), holdings, history, p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create portfolio %s: %w", p.UserID, err)
	}
	return nil
}

func (s *PortfolioStore) Get(ctx context.Context, userID string) (domain.Portfolio, error) {
	const query = `
		SELECT user_id, balance::text, holdings, history, version, created_at, updated_at
		FROM portfolios WHERE user_id = $1`
	p, err := scanPortfolio(s.pool.QueryRow(ctx, query, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Portfolio{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("postgres: get portfolio %s: %w", userID, err)
	}
	return p, nil
}

// Save writes p if the stored version still equals p.Version.
func (s *PortfolioStore) Save(ctx context.Context, p domain.Portfolio) (domain.Portfolio, error) {
	holdings, history, err := marshalPortfolio(p)
	if err != nil {
		return domain.Portfolio{}, err
	}
	const query = `
		UPDATE portfolios
		SET balance = $2::numeric, holdings = $3, history = $4,
		    version = version + 1, updated_at = $5
		WHERE user_id = $1 AND version = $6`
	tag, err := s.pool.Exec(ctx, query,
		p.UserID, p.Balance.String(), holdings, history, p.UpdatedAt, p.Version)
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("postgres: save portfolio %s: %w", p.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM portfolios WHERE user_id = $1)`, p.UserID,
		).Scan(&exists); err != nil {
			return domain.Portfolio{}, fmt.Errorf("postgres: save portfolio %s: %w", p.UserID, err)
		}
		if !exists {
			return domain.Portfolio{}, domain.ErrNotFound
		}
		return domain.Portfolio{}, domain.ErrConflict
	}
	out := p.Clone()
	out.Version++
	return out, nil
}

func marshalPortfolio(p domain.Portfolio) (holdings, history []byte, err error) {
	h := p.Holdings
	if h == nil {
		h = map[string]domain.Holding{}
	}
	if holdings, err = json.Marshal(h); err != nil {
		return nil, nil, fmt.Errorf("postgres: marshal holdings: %w", err)
	}
	hist := p.History
	if hist == nil {
		hist = []domain.HistoryEntry{}
	}
	if history, err = json.Marshal(hist); err != nil {
		return nil, nil, fmt.Errorf("postgres: marshal history: %w", err)
	}
	return holdings, history, nil
}

func scanPortfolio(row rowScanner) (domain.Portfolio, error) {
	var (
		p                 domain.Portfolio
		balance           string
		holdings, history []byte
	)
	if err := row.Scan(&p.UserID, &balance, &holdings, &history, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Portfolio{}, err
	}
	var err error
	if p.Balance, err = parseDecimal("balance", balance); err != nil {
		return domain.Portfolio{}, err
	}
	p.Holdings = map[string]domain.Holding{}
	if err := json.Unmarshal(holdings, &p.Holdings); err != nil {
		return domain.Portfolio{}, fmt.Errorf("postgres: unmarshal holdings: %w", err)
	}
	if err := json.Unmarshal(history, &p.History); err != nil {
		return domain.Portfolio{}, fmt.Errorf("postgres: unmarshal history: %w", err)
	}
	return p, nil
}
