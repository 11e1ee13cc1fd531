package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DustQuantity is the residue below which a holding is treated as closed.
var DustQuantity = decimal.New(1, -8)

// HistoryLimit caps Portfolio.History.
const HistoryLimit = 50

// Holding is a position in one instrument.
type Holding struct {
	InstrumentID     string          `json:"coinId"`
	InstrumentSymbol string          `json:"coinSymbol"`
	Quantity         decimal.Decimal `json:"quantity"`
	AverageCost      decimal.Decimal `json:"averageBuyPrice"`
}

// HistoryEntry summarises one executed fill on the portfolio.
type HistoryEntry struct {
	TradeID          string           `json:"tradeId"`
	InstrumentID     string           `json:"coinId"`
	InstrumentSymbol string           `json:"coinSymbol"`
	Side             Side             `json:"type"`
	Quantity         decimal.Decimal  `json:"quantity"`
	Price            decimal.Decimal  `json:"price"`
	Total            decimal.Decimal  `json:"total"`
	Profit           *decimal.Decimal `json:"profit,omitempty"`
	ExecutedAt       time.Time        `json:"timestamp"`
}

// Portfolio is a user's cash balance, positions and recent fills.
// Version increases on every save and guards against lost updates.
type Portfolio struct {
	UserID    string             `json:"userId"`
	Balance   decimal.Decimal    `json:"balance"`
	Holdings  map[string]Holding `json:"holdings"`
	History   []HistoryEntry     `json:"history"`
	Version   int64              `json:"version"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Clone returns a deep copy that can be mutated without affecting p.
func (p Portfolio) Clone() Portfolio {
	out := p
	out.Holdings = make(map[string]Holding, len(p.Holdings))
	for k, v := range p.Holdings {
		out.Holdings[k] = v
	}
	out.History = append([]HistoryEntry(nil), p.History...)
	return out
}

// HoldingView is a holding enriched with the live price.
type HoldingView struct {
	Holding
	CurrentPrice         *decimal.Decimal `json:"currentPrice,omitempty"`
	CurrentValue         *decimal.Decimal `json:"currentValue,omitempty"`
	ProfitLoss           *decimal.Decimal `json:"profitLoss,omitempty"`
	ProfitLossPercentage *decimal.Decimal `json:"profitLossPercentage,omitempty"`
}

// PortfolioView is what GetPortfolio returns. Holdings whose price could not
// be fetched are listed without live fields and excluded from TotalValue.
type PortfolioView struct {
	UserID        string          `json:"userId"`
	Balance       decimal.Decimal `json:"balance"`
	ReservedFunds decimal.Decimal `json:"reservedFunds"`
	Holdings      []HoldingView   `json:"holdings"`
	HoldingsValue decimal.Decimal `json:"holdingsValue"`
	TotalValue    decimal.Decimal `json:"totalValue"`
	History       []HistoryEntry  `json:"history"`
	PricedAt      time.Time       `json:"pricedAt"`
}

// CloseResult is returned by ClosePosition.
type CloseResult struct {
	Trade                Trade           `json:"trade"`
	ProfitLoss           decimal.Decimal `json:"profitLoss"`
	ProfitLossPercentage decimal.Decimal `json:"profitLossPercentage"`
}
