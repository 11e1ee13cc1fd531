// Package ledger owns every mutation of a user's cash balance and holdings.
// All callers, interactive or background, go through Ledger.Do, which
// serialises work per user and commits the result with an optimistic
// version check.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const maxCommitAttempts = 3

// Config holds ledger parameters.
type Config struct {
	StartingBalance decimal.Decimal
	HistoryLimit    int
}

// Ledger applies trades to portfolios.
type Ledger struct {
	store  domain.PortfolioStore
	locks  Locker
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Ledger. A nil locker falls back to an in-process KeyedMutex.
func New(store domain.PortfolioStore, locks Locker, cfg Config, logger *slog.Logger) *Ledger {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = domain.HistoryLimit
	}
	return &Ledger{
		store:  store,
		locks:  locks,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "ledger")),
	}
}

// WithClock overrides the time source. Used by tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Open creates the user's portfolio with the starting balance if it does not
// exist yet, and returns the stored portfolio either way.
func (l *Ledger) Open(ctx context.Context, userID string) (domain.Portfolio, error) {
	p, err := l.store.Get(ctx, userID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Portfolio{}, fmt.Errorf("ledger: get portfolio: %w", err)
	}

	now := l.now()
	p = domain.Portfolio{
		UserID:    userID,
		Balance:   l.cfg.StartingBalance,
		Holdings:  map[string]domain.Holding{},
		History:   []domain.HistoryEntry{},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.Create(ctx, p); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return l.store.Get(ctx, userID)
		}
		return domain.Portfolio{}, fmt.Errorf("ledger: create portfolio: %w", err)
	}

	l.logger.InfoContext(ctx, "portfolio opened",
		slog.String("user_id", userID),
		slog.String("balance", p.Balance.String()),
	)
	return p, nil
}

// Get returns the user's portfolio, opening it on first access.
func (l *Ledger) Get(ctx context.Context, userID string) (domain.Portfolio, error) {
	return l.Open(ctx, userID)
}

// Do runs fn inside the user's critical section. fn works on a private copy
// of the portfolio through tx; if it returns nil and changed anything the
// copy is saved. Hooks registered with tx.OnCommit then run, still under the
// lock, so order status writes cannot interleave with another fill or a
// cancellation for the same user.
//
// When a hook fails, the undo functions of the hooks that already ran are
// called in reverse order and the pre-transaction portfolio is saved back,
// so the caller's error means nothing changed.
//
// fn may be invoked more than once when the store reports a version
// conflict, so it must not have side effects outside tx.
func (l *Ledger) Do(ctx context.Context, userID string, fn func(tx *Tx) error) (domain.Portfolio, error) {
	unlock, err := l.locks.Lock(ctx, "ledger:"+userID)
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("ledger: lock %s: %w", userID, err)
	}
	defer unlock()

	for attempt := 1; ; attempt++ {
		current, err := l.Open(ctx, userID)
		if err != nil {
			return domain.Portfolio{}, err
		}

		tx := &Tx{p: current.Clone(), now: l.now(), historyLimit: l.cfg.HistoryLimit}
		if err := fn(tx); err != nil {
			return current, err
		}

		saved := current
		if tx.dirty {
			tx.p.UpdatedAt = tx.now
			saved, err = l.store.Save(ctx, tx.p)
			if errors.Is(err, domain.ErrConflict) && attempt < maxCommitAttempts {
				l.logger.WarnContext(ctx, "portfolio version conflict, retrying",
					slog.String("user_id", userID),
					slog.Int("attempt", attempt),
				)
				continue
			}
			if err != nil {
				return current, fmt.Errorf("ledger: save portfolio: %w", err)
			}
		}

		for i, h := range tx.hooks {
			if err := h.run(ctx); err != nil {
				l.logger.ErrorContext(ctx, "post-commit hook failed, rolling back",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				if rbErr := l.rollback(ctx, current, saved, tx.dirty, tx.hooks[:i]); rbErr != nil {
					return saved, fmt.Errorf("ledger: commit hook: %w: %w (rollback: %v)", domain.ErrInternal, err, rbErr)
				}
				return current, fmt.Errorf("ledger: commit hook: %w: %w", domain.ErrInternal, err)
			}
		}
		return saved, nil
	}
}

// rollback reverses the hooks in done and restores before over saved.
// It ignores cancellation of ctx: a half-applied commit is worse than a
// late one.
func (l *Ledger) rollback(ctx context.Context, before, saved domain.Portfolio, restore bool, done []commitHook) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(done) - 1; i >= 0; i-- {
		if done[i].undo == nil {
			continue
		}
		if err := done[i].undo(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if restore {
		p := before.Clone()
		p.Version = saved.Version
		p.UpdatedAt = l.now()
		if _, err := l.store.Save(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("restore portfolio: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		l.logger.ErrorContext(ctx, "rollback incomplete",
			slog.String("user_id", before.UserID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// Tx is the view of one portfolio inside Ledger.Do.
type Tx struct {
	p            domain.Portfolio
	now          time.Time
	historyLimit int
	dirty        bool
	hooks        []commitHook
}

type commitHook struct {
	run  func(ctx context.Context) error
	undo func(ctx context.Context) error
}

// Portfolio returns a copy of the working portfolio.
func (tx *Tx) Portfolio() domain.Portfolio { return tx.p.Clone() }

// Balance returns the working cash balance.
func (tx *Tx) Balance() decimal.Decimal { return tx.p.Balance }

// Holding returns the working holding for instrumentID.
func (tx *Tx) Holding(instrumentID string) (domain.Holding, bool) {
	h, ok := tx.p.Holdings[instrumentID]
	return h, ok
}

// Now is the timestamp stamped on everything this transaction writes.
func (tx *Tx) Now() time.Time { return tx.now }

// OnCommit registers fn to run after the portfolio is saved.
func (tx *Tx) OnCommit(fn func(ctx context.Context) error) {
	tx.hooks = append(tx.hooks, commitHook{run: fn})
}

// OnCommitReversible is OnCommit for a write that a later failing hook must
// take back.
func (tx *Tx) OnCommitReversible(fn, undo func(ctx context.Context) error) {
	tx.hooks = append(tx.hooks, commitHook{run: fn, undo: undo})
}

// Reserve holds amount out of the balance for a pending buy.
func (tx *Tx) Reserve(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return domain.Invalid("amount", "must not be negative")
	}
	if tx.p.Balance.LessThan(amount) {
		return fmt.Errorf("%w: need %s, have %s", domain.ErrInsufficientFunds, amount, tx.p.Balance)
	}
	tx.p.Balance = tx.p.Balance.Sub(amount)
	tx.dirty = true
	return nil
}

// Release returns previously reserved funds to the balance.
func (tx *Tx) Release(amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	tx.p.Balance = tx.p.Balance.Add(amount)
	tx.dirty = true
}

// ApplyTrade executes f against the working portfolio. It validates every
// precondition before touching any field, so a returned error leaves the
// portfolio unchanged.
func (tx *Tx) ApplyTrade(f domain.Fill) (domain.Trade, error) {
	if !f.Side.Valid() {
		return domain.Trade{}, domain.Invalid("type", "must be buy or sell")
	}
	if !f.Quantity.IsPositive() {
		return domain.Trade{}, domain.Invalid("quantity", "must be greater than 0")
	}
	if !f.Price.IsPositive() {
		return domain.Trade{}, fmt.Errorf("%w: non-positive price %s for %s", domain.ErrPriceUnavailable, f.Price, f.InstrumentID)
	}

	total := f.Quantity.Mul(f.Price)
	trade := domain.Trade{
		ID:               uuid.New().String(),
		UserID:           tx.p.UserID,
		OrderID:          f.OrderID,
		StrategyID:       f.StrategyID,
		InstrumentID:     f.InstrumentID,
		InstrumentSymbol: f.InstrumentSymbol,
		Side:             f.Side,
		Quantity:         f.Quantity,
		Price:            f.Price,
		Total:            total,
		Source:           f.Source,
		ExecutedAt:       tx.now,
	}
	if trade.Source == "" {
		trade.Source = domain.TradeSourceManual
	}

	h, held := tx.p.Holdings[f.InstrumentID]
	switch f.Side {
	case domain.SideBuy:
		// With a reservation only the difference against the actual total
		// touches the free balance; a cheaper fill refunds.
		charge := total.Sub(f.Reserved)
		if charge.IsPositive() && tx.p.Balance.LessThan(charge) {
			return domain.Trade{}, fmt.Errorf("%w: need %s, have %s", domain.ErrInsufficientFunds, charge, tx.p.Balance)
		}
		tx.p.Balance = tx.p.Balance.Sub(charge)

		newQty := h.Quantity.Add(f.Quantity)
		cost := h.Quantity.Mul(h.AverageCost).Add(total)
		h.InstrumentID = f.InstrumentID
		if f.InstrumentSymbol != "" {
			h.InstrumentSymbol = f.InstrumentSymbol
		}
		h.Quantity = newQty
		h.AverageCost = cost.Div(newQty)
		tx.p.Holdings[f.InstrumentID] = h

	case domain.SideSell:
		if !held || h.Quantity.LessThan(f.Quantity) {
			have := decimal.Zero
			if held {
				have = h.Quantity
			}
			return domain.Trade{}, fmt.Errorf("%w: want %s %s, hold %s",
				domain.ErrInsufficientHoldings, f.Quantity, f.InstrumentID, have)
		}
		tx.p.Balance = tx.p.Balance.Add(total)

		profit := total.Sub(f.Quantity.Mul(h.AverageCost))
		trade.Profit = &profit

		h.Quantity = h.Quantity.Sub(f.Quantity)
		if h.Quantity.LessThan(domain.DustQuantity) {
			delete(tx.p.Holdings, f.InstrumentID)
		} else {
			tx.p.Holdings[f.InstrumentID] = h
		}
		if trade.InstrumentSymbol == "" {
			trade.InstrumentSymbol = h.InstrumentSymbol
		}
	}

	tx.record(trade)
	tx.dirty = true
	return trade, nil
}

func (tx *Tx) record(t domain.Trade) {
	entry := domain.HistoryEntry{
		TradeID:          t.ID,
		InstrumentID:     t.InstrumentID,
		InstrumentSymbol: t.InstrumentSymbol,
		Side:             t.Side,
		Quantity:         t.Quantity,
		Price:            t.Price,
		Total:            t.Total,
		Profit:           t.Profit,
		ExecutedAt:       t.ExecutedAt,
	}
	history := make([]domain.HistoryEntry, 0, len(tx.p.History)+1)
	history = append(history, entry)
	history = append(history, tx.p.History...)
	if len(history) > tx.historyLimit {
		history = history[:tx.historyLimit]
	}
	tx.p.History = history
}
