package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/alanyoungcy/papertrade/internal/strategy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const recentStrategyTrades = 10

// StrategyInput carries the user-editable strategy fields. A nil Active
// means active on create and unchanged on update.
type StrategyInput struct {
	Name             string
	Description      string
	InstrumentID     string
	InstrumentSymbol string
	Side             domain.StrategySide
	Conditions       []domain.Condition
	Actions          []domain.Action
	Active           *bool
}

// StrategyService manages user strategies and on-demand evaluation.
type StrategyService struct {
	strategies domain.StrategyStore
	trades     domain.TradeStore
	indicators *strategy.Registry
	prices     PriceSource
	journal    *Journal
	now        func() time.Time
	logger     *slog.Logger
}

// NewStrategyService creates a StrategyService.
func NewStrategyService(
	strategies domain.StrategyStore,
	trades domain.TradeStore,
	indicators *strategy.Registry,
	prices PriceSource,
	journal *Journal,
	logger *slog.Logger,
) *StrategyService {
	return &StrategyService{
		strategies: strategies,
		trades:     trades,
		indicators: indicators,
		prices:     prices,
		journal:    journal,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With(slog.String("component", "strategy_service")),
	}
}

// Create validates and stores a new strategy for userID.
func (s *StrategyService) Create(ctx context.Context, userID string, in StrategyInput) (domain.Strategy, error) {
	if userID == "" {
		return domain.Strategy{}, domain.ErrUnauthorized
	}
	now := s.now()
	st := domain.Strategy{
		ID:        uuid.New().String(),
		UserID:    userID,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	applyInput(&st, in)
	if err := s.validate(st); err != nil {
		return domain.Strategy{}, err
	}
	if err := s.strategies.Create(ctx, st); err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy_service: create: %w", err)
	}
	s.journal.Audit(ctx, "strategy_created", map[string]any{
		"strategy_id": st.ID,
		"user_id":     userID,
		"coin_id":     st.InstrumentID,
	})
	s.logger.InfoContext(ctx, "strategy created",
		slog.String("strategy_id", st.ID),
		slog.String("user_id", userID),
		slog.String("coin_id", st.InstrumentID),
	)
	return st, nil
}

// Get returns a strategy owned by userID.
func (s *StrategyService) Get(ctx context.Context, userID, id string) (domain.Strategy, error) {
	if userID == "" {
		return domain.Strategy{}, domain.ErrUnauthorized
	}
	st, err := s.strategies.GetByID(ctx, id)
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy_service: get %s: %w", id, err)
	}
	if st.UserID != userID {
		return domain.Strategy{}, fmt.Errorf("strategy_service: get %s: %w", id, domain.ErrUnauthorized)
	}
	return st, nil
}

// List returns every strategy owned by userID.
func (s *StrategyService) List(ctx context.Context, userID string) ([]domain.Strategy, error) {
	if userID == "" {
		return nil, domain.ErrUnauthorized
	}
	out, err := s.strategies.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("strategy_service: list: %w", err)
	}
	return out, nil
}

// Update replaces the editable fields. Performance counters are kept.
func (s *StrategyService) Update(ctx context.Context, userID, id string, in StrategyInput) (domain.Strategy, error) {
	st, err := s.Get(ctx, userID, id)
	if err != nil {
		return domain.Strategy{}, err
	}
	applyInput(&st, in)
	st.UpdatedAt = s.now()
	if err := s.validate(st); err != nil {
		return domain.Strategy{}, err
	}
	if err := s.strategies.Update(ctx, st); err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy_service: update %s: %w", id, err)
	}
	return st, nil
}

// validate runs the domain checks and rejects conditions on indicators no
// source is wired for, which could never be met.
func (s *StrategyService) validate(st domain.Strategy) error {
	if err := st.Validate(); err != nil {
		return err
	}
	for i, c := range st.Conditions {
		if !s.indicators.Has(c.Indicator) {
			return domain.Invalid(fmt.Sprintf("conditions[%d].indicator", i),
				fmt.Sprintf("%s is not available", c.Indicator))
		}
	}
	return nil
}

// Delete removes a strategy owned by userID.
func (s *StrategyService) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	if err := s.strategies.Delete(ctx, id); err != nil {
		return fmt.Errorf("strategy_service: delete %s: %w", id, err)
	}
	s.journal.Audit(ctx, "strategy_deleted", map[string]any{"strategy_id": id, "user_id": userID})
	return nil
}

// Activate enables automatic evaluation.
func (s *StrategyService) Activate(ctx context.Context, userID, id string) (domain.Strategy, error) {
	return s.setActive(ctx, userID, id, true)
}

// Deactivate stops automatic evaluation.
func (s *StrategyService) Deactivate(ctx context.Context, userID, id string) (domain.Strategy, error) {
	return s.setActive(ctx, userID, id, false)
}

func (s *StrategyService) setActive(ctx context.Context, userID, id string, active bool) (domain.Strategy, error) {
	st, err := s.Get(ctx, userID, id)
	if err != nil {
		return domain.Strategy{}, err
	}
	if st.Active == active {
		return st, nil
	}
	st.Active = active
	st.UpdatedAt = s.now()
	if err := s.strategies.Update(ctx, st); err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy_service: set active %s: %w", id, err)
	}
	s.logger.InfoContext(ctx, "strategy toggled",
		slog.String("strategy_id", id),
		slog.Bool("active", active),
	)
	return st, nil
}

// EvaluateConditionsNow reports whether every condition of st holds on the
// current market snapshot.
func (s *StrategyService) EvaluateConditionsNow(ctx context.Context, st domain.Strategy) (bool, error) {
	snap, err := s.indicators.Snapshot(ctx, st.InstrumentID, strategy.Indicators(st.Conditions))
	if err != nil {
		return false, fmt.Errorf("strategy_service: evaluate %s: %w", st.ID, err)
	}
	return strategy.Evaluate(st.Conditions, snap), nil
}

// Performance builds the performance view of a strategy owned by userID.
// Price or indicator outages degrade the view rather than fail it.
func (s *StrategyService) Performance(ctx context.Context, userID, id string) (domain.StrategyPerformance, error) {
	st, err := s.Get(ctx, userID, id)
	if err != nil {
		return domain.StrategyPerformance{}, err
	}
	view := domain.StrategyPerformance{
		Strategy:    st,
		SuccessRate: SuccessRate(st.Performance),
	}

	if price, err := s.prices.Price(ctx, st.InstrumentID); err == nil {
		view.CurrentPrice = &price
	} else {
		s.logger.WarnContext(ctx, "performance without price",
			slog.String("strategy_id", id),
			slog.String("error", err.Error()),
		)
	}
	if met, err := s.EvaluateConditionsNow(ctx, st); err == nil {
		view.ConditionsMet = met
	}

	trades, err := s.trades.ListByStrategy(ctx, id, domain.ListOpts{Limit: recentStrategyTrades})
	if err != nil {
		return domain.StrategyPerformance{}, fmt.Errorf("strategy_service: recent trades %s: %w", id, err)
	}
	view.RecentTrades = trades
	return view, nil
}

// SuccessRate is successful/executed as a percentage, zero before the
// first execution.
func SuccessRate(p domain.Performance) decimal.Decimal {
	if p.ExecutedTrades == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(p.SuccessfulTrades).
		Div(decimal.NewFromInt(p.ExecutedTrades)).
		Mul(hundred).
		Round(2)
}

func applyInput(st *domain.Strategy, in StrategyInput) {
	st.Name = in.Name
	st.Description = in.Description
	st.InstrumentID = in.InstrumentID
	st.InstrumentSymbol = in.InstrumentSymbol
	st.Side = in.Side
	st.Conditions = in.Conditions
	st.Actions = in.Actions
	if in.Active != nil {
		st.Active = *in.Active
	}
}
