package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSource records which path produced a fill.
type TradeSource string

const (
	TradeSourceManual   TradeSource = "manual"
	TradeSourceOrder    TradeSource = "order"
	TradeSourceStrategy TradeSource = "strategy"
)

// Trade is a persisted fill. Profit is set on sells only.
type Trade struct {
	ID               string           `json:"id"`
	UserID           string           `json:"userId"`
	OrderID          string           `json:"orderId,omitempty"`
	StrategyID       string           `json:"strategyId,omitempty"`
	InstrumentID     string           `json:"coinId"`
	InstrumentSymbol string           `json:"coinSymbol"`
	Side             Side             `json:"type"`
	Quantity         decimal.Decimal  `json:"quantity"`
	Price            decimal.Decimal  `json:"price"`
	Total            decimal.Decimal  `json:"total"`
	Profit           *decimal.Decimal `json:"profit,omitempty"`
	Source           TradeSource      `json:"source"`
	ExecutedAt       time.Time        `json:"executedAt"`
}

// Fill is the input to the ledger's apply-trade operation.
//
// Reserved is the cash already held out of the balance for this fill by a
// pending buy. When set, the funds check is skipped for that amount and any
// difference against the actual total is refunded or charged.
type Fill struct {
	UserID           string
	InstrumentID     string
	InstrumentSymbol string
	Side             Side
	Quantity         decimal.Decimal
	Price            decimal.Decimal
	Reserved         decimal.Decimal
	OrderID          string
	StrategyID       string
	Source           TradeSource
}
