package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/alanyoungcy/papertrade/internal/service"
)

// TradeService is what the portfolio, trade, order and position endpoints
// need. *service.TradeService satisfies it.
type TradeService interface {
	GetPortfolio(ctx context.Context, userID string) (domain.PortfolioView, error)
	ExecuteMarketTrade(ctx context.Context, req service.MarketTradeRequest) (service.TradeResult, error)
	TradeHistory(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Order, error)
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error)
	ListOpenOrders(ctx context.Context, userID string) ([]domain.Order, error)
	CancelOrder(ctx context.Context, userID, orderID string) error
	ClosePosition(ctx context.Context, userID, instrumentID string, percentage decimal.Decimal) (domain.CloseResult, error)
}

// TradeHandler serves the portfolio, trade, order and position endpoints.
type TradeHandler struct {
	trades TradeService
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logger.With(slog.String("handler", "trade"))}
}

// Portfolio returns the caller's priced portfolio.
// GET /api/portfolio
func (h *TradeHandler) Portfolio(w http.ResponseWriter, r *http.Request) {
	view, err := h.trades.GetPortfolio(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "get portfolio", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type marketTradeBody struct {
	InstrumentID     string          `json:"coinId"`
	InstrumentSymbol string          `json:"coinSymbol"`
	Side             domain.Side     `json:"type"`
	Quantity         decimal.Decimal `json:"quantity"`
}

// ExecuteTrade fills a market order at the current price.
// POST /api/trades
func (h *TradeHandler) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var body marketTradeBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeServiceError(w, r, h.logger, "execute trade", err)
		return
	}
	res, err := h.trades.ExecuteMarketTrade(r.Context(), service.MarketTradeRequest{
		UserID:           userID(r),
		InstrumentID:     body.InstrumentID,
		InstrumentSymbol: body.InstrumentSymbol,
		Side:             body.Side,
		Quantity:         body.Quantity,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "execute trade", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// History lists the caller's completed and failed orders, newest first.
// GET /api/trades?limit=50&offset=0
func (h *TradeHandler) History(w http.ResponseWriter, r *http.Request) {
	orders, err := h.trades.TradeHistory(r.Context(), userID(r), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "trade history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": orders})
}

type orderBody struct {
	InstrumentID     string           `json:"coinId"`
	InstrumentSymbol string           `json:"coinSymbol"`
	Side             domain.Side      `json:"type"`
	Quantity         decimal.Decimal  `json:"quantity"`
	Kind             domain.OrderKind `json:"orderType"`
	LimitPrice       *decimal.Decimal `json:"limitPrice"`
	StopPrice        *decimal.Decimal `json:"stopPrice"`
}

// PlaceOrder places a market, limit or stop order.
// POST /api/orders
func (h *TradeHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var body orderBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeServiceError(w, r, h.logger, "place order", err)
		return
	}
	order, err := h.trades.PlaceOrder(r.Context(), domain.OrderRequest{
		UserID:           userID(r),
		InstrumentID:     body.InstrumentID,
		InstrumentSymbol: body.InstrumentSymbol,
		Side:             body.Side,
		Quantity:         body.Quantity,
		Kind:             body.Kind,
		LimitPrice:       body.LimitPrice,
		StopPrice:        body.StopPrice,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "place order", err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// OpenOrders lists the caller's pending orders.
// GET /api/orders
func (h *TradeHandler) OpenOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.trades.ListOpenOrders(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list orders", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// CancelOrder cancels a pending order owned by the caller.
// DELETE /api/orders/{id}
func (h *TradeHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.trades.CancelOrder(r.Context(), userID(r), id); err != nil {
		writeServiceError(w, r, h.logger, "cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "orderId": id})
}

type closeBody struct {
	Percentage *decimal.Decimal `json:"percentage"`
}

// ClosePosition sells a percentage (default 100) of a holding.
// POST /api/positions/{coinId}/close
func (h *TradeHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var body closeBody
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			writeServiceError(w, r, h.logger, "close position", err)
			return
		}
	}
	pct := decimal.NewFromInt(100)
	if body.Percentage != nil {
		pct = *body.Percentage
	}
	res, err := h.trades.ClosePosition(r.Context(), userID(r), r.PathValue("coinId"), pct)
	if err != nil {
		writeServiceError(w, r, h.logger, "close position", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
