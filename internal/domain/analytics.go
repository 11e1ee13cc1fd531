package domain

import "github.com/shopspring/decimal"

// CoinFlow is the cash that went into and came out of one instrument.
type CoinFlow struct {
	InstrumentID     string          `json:"coinId"`
	InstrumentSymbol string          `json:"coinSymbol"`
	BuyVolume        decimal.Decimal `json:"buyVolume"`
	SellVolume       decimal.Decimal `json:"sellVolume"`
	ProfitLoss       decimal.Decimal `json:"profitLoss"`
}

// PerformanceMetrics summarises every fill of a user as cash flows.
type PerformanceMetrics struct {
	TotalTrades          int             `json:"totalTrades"`
	BuyTrades            int             `json:"buyTrades"`
	SellTrades           int             `json:"sellTrades"`
	TotalInvested        decimal.Decimal `json:"totalInvested"`
	TotalReturned        decimal.Decimal `json:"totalReturned"`
	ProfitLoss           decimal.Decimal `json:"profitLoss"`
	ProfitLossPercentage decimal.Decimal `json:"profitLossPercentage"`
	CoinPerformance      []CoinFlow      `json:"coinPerformance"`
}

// CoinActivity counts a user's fills in one instrument.
type CoinActivity struct {
	InstrumentID     string          `json:"coinId"`
	InstrumentSymbol string          `json:"coinSymbol"`
	Count            int             `json:"count"`
	Volume           decimal.Decimal `json:"volume"`
}

// TradeStatistics describes how often and how large a user trades.
type TradeStatistics struct {
	TradeCount       int             `json:"tradeCount"`
	AverageTradeSize decimal.Decimal `json:"averageTradeSize"`
	TradesPerDay     decimal.Decimal `json:"tradesPerDay"`
	TradesPerWeek    decimal.Decimal `json:"tradesPerWeek"`
	TradesPerMonth   decimal.Decimal `json:"tradesPerMonth"`
	MostTradedCoin   *CoinActivity   `json:"mostTradedCoin"`
}

// ProfitLossPoint is one UTC day of net cash flow.
type ProfitLossPoint struct {
	Date                 string          `json:"date"`
	ProfitLoss           decimal.Decimal `json:"profitLoss"`
	CumulativeProfitLoss decimal.Decimal `json:"cumulativeProfitLoss"`
}

// CoinPerformance is the realised and unrealised result in one instrument.
// The current-price fields are nil when no quote is available.
type CoinPerformance struct {
	InstrumentID                   string           `json:"coinId"`
	InstrumentSymbol               string           `json:"coinSymbol"`
	TotalTrades                    int              `json:"totalTrades"`
	BuyTrades                      int              `json:"buyTrades"`
	SellTrades                     int              `json:"sellTrades"`
	TotalBought                    decimal.Decimal  `json:"totalBought"`
	TotalBoughtValue               decimal.Decimal  `json:"totalBoughtValue"`
	TotalSold                      decimal.Decimal  `json:"totalSold"`
	TotalSoldValue                 decimal.Decimal  `json:"totalSoldValue"`
	AvgBuyPrice                    decimal.Decimal  `json:"avgBuyPrice"`
	AvgSellPrice                   decimal.Decimal  `json:"avgSellPrice"`
	CurrentHolding                 decimal.Decimal  `json:"currentHolding"`
	ProfitLoss                     decimal.Decimal  `json:"profitLoss"`
	ProfitLossPercentage           decimal.Decimal  `json:"profitLossPercentage"`
	CurrentPrice                   *decimal.Decimal `json:"currentPrice,omitempty"`
	UnrealizedProfitLoss           *decimal.Decimal `json:"unrealizedProfitLoss,omitempty"`
	UnrealizedProfitLossPercentage *decimal.Decimal `json:"unrealizedProfitLossPercentage,omitempty"`
	Trades                         []Trade          `json:"trades"`
}
