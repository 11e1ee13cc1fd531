package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side indicates whether a fill buys or sells the instrument.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderKind selects how an order is triggered.
type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
	OrderKindStop   OrderKind = "stop"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusFailed    OrderStatus = "failed"
)

// Order is a single trade intent. Limit and stop orders rest as pending
// until the trigger evaluator sees their trigger price; market orders are
// created completed.
type Order struct {
	ID               string           `json:"id"`
	UserID           string           `json:"userId"`
	InstrumentID     string           `json:"coinId"`
	InstrumentSymbol string           `json:"coinSymbol"`
	Side             Side             `json:"type"`
	Quantity         decimal.Decimal  `json:"quantity"`
	Kind             OrderKind        `json:"orderType"`
	LimitPrice       *decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice        *decimal.Decimal `json:"stopPrice,omitempty"`
	// Reserved is the cash held out of the balance while a buy is pending.
	Reserved       decimal.Decimal `json:"reserved"`
	ExecutionPrice decimal.Decimal `json:"price"`
	Total          decimal.Decimal `json:"total"`
	Status         OrderStatus     `json:"status"`
	FailureReason  string          `json:"failureReason,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	ExecutedAt     *time.Time      `json:"executedAt,omitempty"`
}

// TriggerPrice returns the limit or stop price the order waits on.
func (o Order) TriggerPrice() (decimal.Decimal, bool) {
	switch o.Kind {
	case OrderKindLimit:
		if o.LimitPrice != nil {
			return *o.LimitPrice, true
		}
	case OrderKindStop:
		if o.StopPrice != nil {
			return *o.StopPrice, true
		}
	}
	return decimal.Zero, false
}

// Triggered reports whether price satisfies the order's trigger condition.
// Market orders are always triggered.
//
//	limit buy:  price <= limit     limit sell: price >= limit
//	stop buy:   price >= stop      stop sell:  price <= stop
func (o Order) Triggered(price decimal.Decimal) bool {
	if o.Kind == OrderKindMarket {
		return true
	}
	trigger, ok := o.TriggerPrice()
	if !ok {
		return false
	}
	switch {
	case o.Kind == OrderKindLimit && o.Side == SideBuy:
		return price.LessThanOrEqual(trigger)
	case o.Kind == OrderKindLimit && o.Side == SideSell:
		return price.GreaterThanOrEqual(trigger)
	case o.Kind == OrderKindStop && o.Side == SideBuy:
		return price.GreaterThanOrEqual(trigger)
	case o.Kind == OrderKindStop && o.Side == SideSell:
		return price.LessThanOrEqual(trigger)
	}
	return false
}

// OrderRequest is the input to order placement.
type OrderRequest struct {
	UserID           string
	InstrumentID     string
	InstrumentSymbol string
	Side             Side
	Quantity         decimal.Decimal
	Kind             OrderKind
	LimitPrice       *decimal.Decimal
	StopPrice        *decimal.Decimal
}

// Validate checks the request shape before any price is fetched.
func (r OrderRequest) Validate() error {
	if r.UserID == "" {
		return ErrUnauthorized
	}
	if r.InstrumentID == "" {
		return Invalid("coinId", "is required")
	}
	if !r.Side.Valid() {
		return Invalid("type", "must be buy or sell")
	}
	if !r.Quantity.IsPositive() {
		return Invalid("quantity", "must be greater than 0")
	}
	switch r.Kind {
	case OrderKindMarket:
		if r.LimitPrice != nil || r.StopPrice != nil {
			return Invalid("orderType", "market orders take no limit or stop price")
		}
	case OrderKindLimit:
		if r.LimitPrice == nil || !r.LimitPrice.IsPositive() {
			return Invalid("limitPrice", "is required for limit orders and must be positive")
		}
		if r.StopPrice != nil {
			return Invalid("stopPrice", "is not allowed on limit orders")
		}
	case OrderKindStop:
		if r.StopPrice == nil || !r.StopPrice.IsPositive() {
			return Invalid("stopPrice", "is required for stop orders and must be positive")
		}
		if r.LimitPrice != nil {
			return Invalid("limitPrice", "is not allowed on stop orders")
		}
	default:
		return Invalid("orderType", "must be market, limit or stop")
	}
	return nil
}
