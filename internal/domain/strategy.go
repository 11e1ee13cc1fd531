package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Indicator names a market metric a condition compares against.
type Indicator string

const (
	IndicatorPrice          Indicator = "price"
	IndicatorVolume         Indicator = "volume"
	IndicatorMarketCap      Indicator = "market_cap"
	IndicatorPriceChange24h Indicator = "price_change_24h"
)

// Valid reports whether i is a known indicator.
func (i Indicator) Valid() bool {
	switch i {
	case IndicatorPrice, IndicatorVolume, IndicatorMarketCap, IndicatorPriceChange24h:
		return true
	}
	return false
}

// Operator is a comparison between an indicator and a threshold.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
)

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	switch o {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual, OpEqual:
		return true
	}
	return false
}

// StrategySide restricts which actions a strategy may take.
type StrategySide string

const (
	StrategySideBuy  StrategySide = "buy"
	StrategySideSell StrategySide = "sell"
	StrategySideBoth StrategySide = "both"
)

// Condition is one clause of a strategy rule.
type Condition struct {
	Indicator Indicator       `json:"indicator"`
	Operator  Operator        `json:"operator"`
	Value     decimal.Decimal `json:"value"`
}

// Action is one trade a strategy performs when it fires.
type Action struct {
	Side     Side            `json:"type"`
	Quantity decimal.Decimal `json:"amount"`
}

// Performance counters only ever grow.
type Performance struct {
	ExecutedTrades   int64           `json:"executedTrades"`
	SuccessfulTrades int64           `json:"successfulTrades"`
	TotalProfit      decimal.Decimal `json:"totalProfit"`
}

// Strategy is a user-owned automated trading rule.
type Strategy struct {
	ID               string       `json:"id"`
	UserID           string       `json:"userId"`
	Name             string       `json:"name"`
	Description      string       `json:"description,omitempty"`
	InstrumentID     string       `json:"coinId"`
	InstrumentSymbol string       `json:"coinSymbol"`
	Side             StrategySide `json:"type"`
	Conditions       []Condition  `json:"conditions"`
	Actions          []Action     `json:"actions"`
	Active           bool         `json:"isActive"`
	Performance      Performance  `json:"performance"`
	LastFiredAt      *time.Time   `json:"lastFiredAt,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// Validate checks the user-editable fields.
func (s Strategy) Validate() error {
	if s.Name == "" {
		return Invalid("name", "is required")
	}
	if s.InstrumentID == "" {
		return Invalid("coinId", "is required")
	}
	switch s.Side {
	case StrategySideBuy, StrategySideSell, StrategySideBoth:
	default:
		return Invalid("type", "must be buy, sell or both")
	}
	if len(s.Conditions) == 0 {
		return Invalid("conditions", "at least one condition is required")
	}
	for _, c := range s.Conditions {
		if !c.Indicator.Valid() {
			return Invalid("conditions", "unknown indicator "+string(c.Indicator))
		}
		if !c.Operator.Valid() {
			return Invalid("conditions", "unknown operator "+string(c.Operator))
		}
	}
	if len(s.Actions) == 0 {
		return Invalid("actions", "at least one action is required")
	}
	for _, a := range s.Actions {
		if !a.Side.Valid() {
			return Invalid("actions", "action type must be buy or sell")
		}
		if s.Side != StrategySideBoth && string(a.Side) != string(s.Side) {
			return Invalid("actions", "action type "+string(a.Side)+" not allowed on a "+string(s.Side)+" strategy")
		}
		if !a.Quantity.IsPositive() {
			return Invalid("actions", "action amount must be greater than 0")
		}
	}
	return nil
}

// StrategyPerformance is the on-demand performance view of a strategy.
type StrategyPerformance struct {
	Strategy      Strategy         `json:"strategy"`
	SuccessRate   decimal.Decimal  `json:"successRate"`
	CurrentPrice  *decimal.Decimal `json:"currentPrice,omitempty"`
	ConditionsMet bool             `json:"conditionsMet"`
	RecentTrades  []Trade          `json:"recentTrades"`
}
