package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bus channels.
const (
	ChannelExecutions = "executions"
	ChannelPrices     = "prices"
)

// UserChannel is the per-user execution channel.
func UserChannel(userID string) string { return "user:" + userID }

// CoinChannel is the per-instrument price channel.
func CoinChannel(instrumentID string) string { return "coin:" + instrumentID }

// Event types carried on the bus.
const (
	EventOrderFilled      = "order-filled"
	EventOrderFailed      = "order-failed"
	EventOrderPlaced      = "order-placed"
	EventOrderCancelled   = "order-cancelled"
	EventTradeExecuted    = "trade-executed"
	EventStrategyExecuted = "strategy-executed"
	EventPriceUpdate      = "price-update"
)

// ExecutionEvent is emitted once per completed fill (and once per failed
// pending order) for push delivery.
type ExecutionEvent struct {
	Type             string          `json:"event"`
	UserID           string          `json:"userId"`
	TradeID          string          `json:"tradeId,omitempty"`
	OrderID          string          `json:"orderId,omitempty"`
	StrategyID       string          `json:"strategyId,omitempty"`
	Side             Side            `json:"type"`
	InstrumentID     string          `json:"coinId"`
	InstrumentSymbol string          `json:"coinSymbol"`
	Quantity         decimal.Decimal `json:"quantity"`
	Price            decimal.Decimal `json:"price"`
	Total            decimal.Decimal `json:"total"`
	Reason           string          `json:"reason,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

// PriceUpdate is published for every watched instrument on each watcher tick.
type PriceUpdate struct {
	Type         string          `json:"event"`
	InstrumentID string          `json:"coinId"`
	Price        decimal.Decimal `json:"price"`
	Timestamp    time.Time       `json:"timestamp"`
}
