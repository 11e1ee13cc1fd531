package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/alanyoungcy/papertrade/internal/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	hundred    = decimal.NewFromInt(100)
	minPercent = decimal.NewFromInt(1)
)

// closeQuantityPlaces is the precision a partial close is rounded to.
const closeQuantityPlaces = 8

// MarketTradeRequest is the input to ExecuteMarketTrade.
type MarketTradeRequest struct {
	UserID           string
	InstrumentID     string
	InstrumentSymbol string
	Side             domain.Side
	Quantity         decimal.Decimal
}

// Validate checks the request before any price is fetched.
func (r MarketTradeRequest) Validate() error {
	return domain.OrderRequest{
		UserID:       r.UserID,
		InstrumentID: r.InstrumentID,
		Side:         r.Side,
		Quantity:     r.Quantity,
		Kind:         domain.OrderKindMarket,
	}.Validate()
}

// TradeResult is a fill together with the portfolio it produced.
type TradeResult struct {
	Trade     domain.Trade     `json:"trade"`
	Order     domain.Order     `json:"order"`
	Portfolio domain.Portfolio `json:"portfolio"`
}

// TradeService runs market trades, conditional orders and position closes
// against the ledger.
type TradeService struct {
	ledger  *ledger.Ledger
	orders  domain.OrderStore
	prices  PriceSource
	journal *Journal
	logger  *slog.Logger
}

// NewTradeService creates a TradeService with all required dependencies.
func NewTradeService(
	l *ledger.Ledger,
	orders domain.OrderStore,
	prices PriceSource,
	journal *Journal,
	logger *slog.Logger,
) *TradeService {
	return &TradeService{
		ledger:  l,
		orders:  orders,
		prices:  prices,
		journal: journal,
		logger:  logger.With(slog.String("component", "trade_service")),
	}
}

// ExecuteMarketTrade fills req at the current oracle price. The order is
// recorded as completed.
func (s *TradeService) ExecuteMarketTrade(ctx context.Context, req MarketTradeRequest) (TradeResult, error) {
	if err := req.Validate(); err != nil {
		return TradeResult{}, err
	}
	price, err := s.prices.Price(ctx, req.InstrumentID)
	if err != nil {
		return TradeResult{}, fmt.Errorf("trade_service: market trade: %w", err)
	}

	order := domain.Order{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		InstrumentID:     req.InstrumentID,
		InstrumentSymbol: req.InstrumentSymbol,
		Side:             req.Side,
		Quantity:         req.Quantity,
		Kind:             domain.OrderKindMarket,
	}
	res, err := s.fillNow(ctx, order, price, domain.TradeSourceManual)
	if err != nil {
		return TradeResult{}, fmt.Errorf("trade_service: market trade: %w", err)
	}
	s.journal.Executed(ctx, domain.EventTradeExecuted, res.Trade)
	return res, nil
}

// PlaceOrder submits a market, limit or stop order. An order whose trigger
// already holds at the current price fills immediately; otherwise a buy
// reserves its funds and the order rests as pending.
func (s *TradeService) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if err := req.Validate(); err != nil {
		return domain.Order{}, err
	}
	price, err := s.prices.Price(ctx, req.InstrumentID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("trade_service: place order: %w", err)
	}

	order := domain.Order{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		InstrumentID:     req.InstrumentID,
		InstrumentSymbol: req.InstrumentSymbol,
		Side:             req.Side,
		Quantity:         req.Quantity,
		Kind:             req.Kind,
		LimitPrice:       req.LimitPrice,
		StopPrice:        req.StopPrice,
	}

	if order.Triggered(price) {
		source := domain.TradeSourceOrder
		if order.Kind == domain.OrderKindMarket {
			source = domain.TradeSourceManual
		}
		res, err := s.fillNow(ctx, order, price, source)
		if err != nil {
			return domain.Order{}, fmt.Errorf("trade_service: place order: %w", err)
		}
		s.journal.Executed(ctx, domain.EventTradeExecuted, res.Trade)
		return res.Order, nil
	}

	order.Reserved = reservation(order, price)
	order.Status = domain.OrderStatusPending
	_, err = s.ledger.Do(ctx, order.UserID, func(tx *ledger.Tx) error {
		if err := tx.Reserve(order.Reserved); err != nil {
			return err
		}
		order.CreatedAt = tx.Now()
		order.UpdatedAt = tx.Now()
		placed := order
		tx.OnCommit(func(ctx context.Context) error {
			return s.orders.Create(ctx, placed)
		})
		return nil
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("trade_service: place order: %w", err)
	}

	s.journal.Audit(ctx, "order_placed", map[string]any{
		"order_id":   order.ID,
		"user_id":    order.UserID,
		"coin_id":    order.InstrumentID,
		"side":       string(order.Side),
		"order_type": string(order.Kind),
		"quantity":   order.Quantity.String(),
		"reserved":   order.Reserved.String(),
	})
	s.journal.Publish(ctx, OrderEvent(domain.EventOrderPlaced, order, "", order.CreatedAt))
	s.logger.InfoContext(ctx, "order placed",
		slog.String("order_id", order.ID),
		slog.String("user_id", order.UserID),
		slog.String("coin_id", order.InstrumentID),
		slog.String("order_type", string(order.Kind)),
		slog.String("side", string(order.Side)),
	)
	return order, nil
}

// reservation is the cash a pending order holds: limit*qty for limit buys,
// current*qty for stop buys, nothing for sells.
func reservation(o domain.Order, current decimal.Decimal) decimal.Decimal {
	if o.Side != domain.SideBuy {
		return decimal.Zero
	}
	if o.Kind == domain.OrderKindLimit && o.LimitPrice != nil {
		return o.LimitPrice.Mul(o.Quantity)
	}
	return current.Mul(o.Quantity)
}

// CancelOrder removes a pending order owned by userID and refunds its
// reservation.
func (s *TradeService) CancelOrder(ctx context.Context, userID, orderID string) error {
	if userID == "" {
		return domain.ErrUnauthorized
	}
	var cancelled domain.Order
	_, err := s.ledger.Do(ctx, userID, func(tx *ledger.Tx) error {
		o, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return fmt.Errorf("%w: order %s belongs to another user", domain.ErrUnauthorized, orderID)
		}
		if o.Status != domain.OrderStatusPending {
			return fmt.Errorf("%w: order %s is %s", domain.ErrOrderNotPending, orderID, o.Status)
		}
		tx.Release(o.Reserved)
		tx.OnCommit(func(ctx context.Context) error {
			return s.orders.Delete(ctx, o.ID)
		})
		cancelled = o
		return nil
	})
	if err != nil {
		return fmt.Errorf("trade_service: cancel order %s: %w", orderID, err)
	}

	s.journal.Audit(ctx, "order_cancelled", map[string]any{
		"order_id": cancelled.ID,
		"user_id":  userID,
		"refund":   cancelled.Reserved.String(),
	})
	s.journal.Publish(ctx, OrderEvent(domain.EventOrderCancelled, cancelled, "", time.Now().UTC()))
	s.logger.InfoContext(ctx, "order cancelled",
		slog.String("order_id", orderID),
		slog.String("user_id", userID),
		slog.String("refund", cancelled.Reserved.String()),
	)
	return nil
}

// ClosePosition sells percentage (1..100) of the user's holding at the
// current price.
func (s *TradeService) ClosePosition(ctx context.Context, userID, instrumentID string, percentage decimal.Decimal) (domain.CloseResult, error) {
	if userID == "" {
		return domain.CloseResult{}, domain.ErrUnauthorized
	}
	if instrumentID == "" {
		return domain.CloseResult{}, domain.Invalid("coinId", "is required")
	}
	if percentage.LessThan(minPercent) || percentage.GreaterThan(hundred) {
		return domain.CloseResult{}, domain.Invalid("percentage", "must be between 1 and 100")
	}
	price, err := s.prices.Price(ctx, instrumentID)
	if err != nil {
		return domain.CloseResult{}, fmt.Errorf("trade_service: close position: %w", err)
	}

	var (
		trade   domain.Trade
		avgCost decimal.Decimal
	)
	_, err = s.ledger.Do(ctx, userID, func(tx *ledger.Tx) error {
		h, ok := tx.Holding(instrumentID)
		if !ok {
			return fmt.Errorf("%w: no position in %s", domain.ErrInsufficientHoldings, instrumentID)
		}
		qty := h.Quantity.Mul(percentage).Div(hundred).Round(closeQuantityPlaces)
		if qty.GreaterThan(h.Quantity) {
			qty = h.Quantity
		}
		if !qty.IsPositive() {
			return domain.Invalid("percentage", "closes less than the smallest tradable quantity")
		}
		t, err := tx.ApplyTrade(domain.Fill{
			UserID:           userID,
			InstrumentID:     instrumentID,
			InstrumentSymbol: h.InstrumentSymbol,
			Side:             domain.SideSell,
			Quantity:         qty,
			Price:            price,
			OrderID:          uuid.New().String(),
			Source:           domain.TradeSourceManual,
		})
		if err != nil {
			return err
		}
		s.recordFill(tx, completedOrder(t, domain.OrderKindMarket), t)
		trade, avgCost = t, h.AverageCost
		return nil
	})
	if err != nil {
		return domain.CloseResult{}, fmt.Errorf("trade_service: close position: %w", err)
	}

	res := domain.CloseResult{Trade: trade}
	if trade.Profit != nil {
		res.ProfitLoss = *trade.Profit
	}
	if avgCost.IsPositive() {
		res.ProfitLossPercentage = price.Sub(avgCost).Div(avgCost).Mul(hundred)
	}
	s.journal.Executed(ctx, domain.EventTradeExecuted, trade)
	s.logger.InfoContext(ctx, "position closed",
		slog.String("user_id", userID),
		slog.String("coin_id", instrumentID),
		slog.String("quantity", trade.Quantity.String()),
		slog.String("profit_loss", res.ProfitLoss.String()),
	)
	return res, nil
}

// FillPendingOrder executes a resting order at price. It re-reads the order
// under the user's lock so a concurrent cancel or fill wins cleanly. A
// business failure (holdings gone, funds short) marks the order failed,
// refunding a buy's reservation; the returned order then has status failed
// and err is nil. Infrastructure errors leave the order pending.
func (s *TradeService) FillPendingOrder(ctx context.Context, order domain.Order, price decimal.Decimal) (domain.Order, error) {
	var (
		result domain.Order
		trade  *domain.Trade
		reason string
	)
	_, err := s.ledger.Do(ctx, order.UserID, func(tx *ledger.Tx) error {
		result, trade, reason = domain.Order{}, nil, ""

		cur, err := s.orders.GetByID(ctx, order.ID)
		if err != nil {
			return err
		}
		if cur.Status != domain.OrderStatusPending {
			return domain.ErrOrderNotPending
		}

		t, err := tx.ApplyTrade(domain.Fill{
			UserID:           cur.UserID,
			InstrumentID:     cur.InstrumentID,
			InstrumentSymbol: cur.InstrumentSymbol,
			Side:             cur.Side,
			Quantity:         cur.Quantity,
			Price:            price,
			Reserved:         cur.Reserved,
			OrderID:          cur.ID,
			Source:           domain.TradeSourceOrder,
		})
		switch {
		case err == nil:
			now := tx.Now()
			tx.OnCommitReversible(func(ctx context.Context) error {
				return s.journal.InsertTrade(ctx, t)
			}, func(ctx context.Context) error {
				return s.journal.RemoveTrade(ctx, t.ID)
			})
			tx.OnCommit(func(ctx context.Context) error {
				return s.orders.Complete(ctx, cur.ID, t.Price, t.Total, now)
			})
			cur.Status = domain.OrderStatusCompleted
			cur.ExecutionPrice, cur.Total = t.Price, t.Total
			cur.UpdatedAt, cur.ExecutedAt = now, &now
			result, trade = cur, &t
			return nil

		case errors.Is(err, domain.ErrInsufficientHoldings),
			errors.Is(err, domain.ErrInsufficientFunds),
			errors.Is(err, domain.ErrValidation):
			now := tx.Now()
			reason = err.Error()
			tx.Release(cur.Reserved)
			tx.OnCommit(func(ctx context.Context) error {
				return s.orders.Fail(ctx, cur.ID, reason, now)
			})
			cur.Status = domain.OrderStatusFailed
			cur.FailureReason = reason
			cur.UpdatedAt = now
			result = cur
			return nil

		default:
			return err
		}
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("trade_service: fill order %s: %w", order.ID, err)
	}

	if trade != nil {
		s.journal.Executed(ctx, domain.EventOrderFilled, *trade)
		s.logger.InfoContext(ctx, "order filled",
			slog.String("order_id", result.ID),
			slog.String("user_id", result.UserID),
			slog.String("price", trade.Price.String()),
			slog.String("total", trade.Total.String()),
		)
		return result, nil
	}

	s.journal.Audit(ctx, "order_failed", map[string]any{
		"order_id": result.ID,
		"user_id":  result.UserID,
		"reason":   reason,
		"refund":   result.Reserved.String(),
	})
	s.journal.Publish(ctx, OrderEvent(domain.EventOrderFailed, result, reason, result.UpdatedAt))
	s.logger.WarnContext(ctx, "order failed",
		slog.String("order_id", result.ID),
		slog.String("user_id", result.UserID),
		slog.String("reason", reason),
	)
	return result, nil
}

// ExecuteStrategyAction fills one strategy action at price. Errors leave
// the ledger untouched.
func (s *TradeService) ExecuteStrategyAction(ctx context.Context, st domain.Strategy, a domain.Action, price decimal.Decimal) (domain.Trade, error) {
	var trade domain.Trade
	_, err := s.ledger.Do(ctx, st.UserID, func(tx *ledger.Tx) error {
		t, err := tx.ApplyTrade(domain.Fill{
			UserID:           st.UserID,
			InstrumentID:     st.InstrumentID,
			InstrumentSymbol: st.InstrumentSymbol,
			Side:             a.Side,
			Quantity:         a.Quantity,
			Price:            price,
			StrategyID:       st.ID,
			Source:           domain.TradeSourceStrategy,
		})
		if err != nil {
			return err
		}
		tx.OnCommit(func(ctx context.Context) error {
			return s.journal.InsertTrade(ctx, t)
		})
		trade = t
		return nil
	})
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade_service: strategy %s action: %w", st.ID, err)
	}
	s.journal.Executed(ctx, domain.EventStrategyExecuted, trade)
	return trade, nil
}

// GetPortfolio returns the user's portfolio valued at current prices.
// Holdings whose price is unavailable are listed without live fields.
func (s *TradeService) GetPortfolio(ctx context.Context, userID string) (domain.PortfolioView, error) {
	if userID == "" {
		return domain.PortfolioView{}, domain.ErrUnauthorized
	}
	p, err := s.ledger.Get(ctx, userID)
	if err != nil {
		return domain.PortfolioView{}, fmt.Errorf("trade_service: get portfolio: %w", err)
	}
	pending, err := s.orders.ListPendingByUser(ctx, userID)
	if err != nil {
		return domain.PortfolioView{}, fmt.Errorf("trade_service: list pending: %w", err)
	}

	view := domain.PortfolioView{
		UserID:   p.UserID,
		Balance:  p.Balance,
		History:  p.History,
		Holdings: make([]domain.HoldingView, 0, len(p.Holdings)),
		PricedAt: time.Now().UTC(),
	}
	for _, o := range pending {
		view.ReservedFunds = view.ReservedFunds.Add(o.Reserved)
	}

	ids := make([]string, 0, len(p.Holdings))
	for id := range p.Holdings {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var prices map[string]decimal.Decimal
	if len(ids) > 0 {
		prices, err = s.prices.Prices(ctx, ids)
		if err != nil {
			s.logger.WarnContext(ctx, "portfolio valuation incomplete",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}

	for _, id := range ids {
		h := p.Holdings[id]
		hv := domain.HoldingView{Holding: h}
		if price, ok := prices[id]; ok {
			value := h.Quantity.Mul(price)
			pl := value.Sub(h.Quantity.Mul(h.AverageCost))
			hv.CurrentPrice = &price
			hv.CurrentValue = &value
			hv.ProfitLoss = &pl
			if h.AverageCost.IsPositive() {
				pct := price.Sub(h.AverageCost).Div(h.AverageCost).Mul(hundred)
				hv.ProfitLossPercentage = &pct
			}
			view.HoldingsValue = view.HoldingsValue.Add(value)
		}
		view.Holdings = append(view.Holdings, hv)
	}
	view.TotalValue = view.Balance.Add(view.ReservedFunds).Add(view.HoldingsValue)
	return view, nil
}

// ListOpenOrders returns the user's pending orders, newest first.
func (s *TradeService) ListOpenOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	if userID == "" {
		return nil, domain.ErrUnauthorized
	}
	orders, err := s.orders.ListPendingByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list open orders: %w", err)
	}
	return orders, nil
}

// TradeHistory returns the user's completed and failed orders, newest first.
func (s *TradeService) TradeHistory(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Order, error) {
	if userID == "" {
		return nil, domain.ErrUnauthorized
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	orders, err := s.orders.ListHistoryByUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: trade history: %w", err)
	}
	return orders, nil
}

// fillNow applies an immediately executable order and records it as a
// completed order plus a trade row.
func (s *TradeService) fillNow(ctx context.Context, order domain.Order, price decimal.Decimal, source domain.TradeSource) (TradeResult, error) {
	var res TradeResult
	p, err := s.ledger.Do(ctx, order.UserID, func(tx *ledger.Tx) error {
		t, err := tx.ApplyTrade(domain.Fill{
			UserID:           order.UserID,
			InstrumentID:     order.InstrumentID,
			InstrumentSymbol: order.InstrumentSymbol,
			Side:             order.Side,
			Quantity:         order.Quantity,
			Price:            price,
			OrderID:          order.ID,
			Source:           source,
		})
		if err != nil {
			return err
		}
		completed := completedOrder(t, order.Kind)
		completed.LimitPrice, completed.StopPrice = order.LimitPrice, order.StopPrice
		s.recordFill(tx, completed, t)
		res.Trade, res.Order = t, completed
		return nil
	})
	if err != nil {
		return TradeResult{}, err
	}
	res.Portfolio = p
	s.logger.InfoContext(ctx, "trade executed",
		slog.String("trade_id", res.Trade.ID),
		slog.String("user_id", res.Trade.UserID),
		slog.String("coin_id", res.Trade.InstrumentID),
		slog.String("side", string(res.Trade.Side)),
		slog.String("quantity", res.Trade.Quantity.String()),
		slog.String("price", res.Trade.Price.String()),
	)
	return res, nil
}

// recordFill writes the completed order row and then the trade row once tx
// commits. A failed trade insert takes the order row back out.
func (s *TradeService) recordFill(tx *ledger.Tx, order domain.Order, t domain.Trade) {
	tx.OnCommitReversible(func(ctx context.Context) error {
		return s.orders.Create(ctx, order)
	}, func(ctx context.Context) error {
		return s.orders.Delete(ctx, order.ID)
	})
	tx.OnCommit(func(ctx context.Context) error {
		return s.journal.InsertTrade(ctx, t)
	})
}

// completedOrder is the order row recorded for an immediate fill.
func completedOrder(t domain.Trade, kind domain.OrderKind) domain.Order {
	orderID := t.OrderID
	if orderID == "" {
		orderID = t.ID
	}
	at := t.ExecutedAt
	return domain.Order{
		ID:               orderID,
		UserID:           t.UserID,
		InstrumentID:     t.InstrumentID,
		InstrumentSymbol: t.InstrumentSymbol,
		Side:             t.Side,
		Quantity:         t.Quantity,
		Kind:             kind,
		ExecutionPrice:   t.Price,
		Total:            t.Total,
		Status:           domain.OrderStatusCompleted,
		CreatedAt:        at,
		UpdatedAt:        at,
		ExecutedAt:       &at,
	}
}
