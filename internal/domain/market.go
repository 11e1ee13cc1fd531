package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a cached oracle price.
type Quote struct {
	InstrumentID string          `json:"coinId"`
	Price        decimal.Decimal `json:"price"`
	FetchedAt    time.Time       `json:"fetchedAt"`
}

// Fresh reports whether q is younger than ttl at now.
func (q Quote) Fresh(now time.Time, ttl time.Duration) bool {
	return !q.FetchedAt.IsZero() && now.Sub(q.FetchedAt) < ttl
}

// MarketCoin is one row of the upstream market listing.
type MarketCoin struct {
	ID                       string           `json:"id"`
	Symbol                   string           `json:"symbol"`
	Name                     string           `json:"name"`
	Image                    string           `json:"image,omitempty"`
	CurrentPrice             decimal.Decimal  `json:"current_price"`
	MarketCap                decimal.Decimal  `json:"market_cap"`
	MarketCapRank            int              `json:"market_cap_rank"`
	TotalVolume              decimal.Decimal  `json:"total_volume"`
	PriceChange24h           *decimal.Decimal `json:"price_change_24h,omitempty"`
	PriceChangePercentage24h *decimal.Decimal `json:"price_change_percentage_24h,omitempty"`
}

// CoinStats is the USD quote of one instrument with its market figures. A
// nil figure was not reported upstream.
type CoinStats struct {
	Price     decimal.Decimal  `json:"price"`
	MarketCap *decimal.Decimal `json:"marketCap,omitempty"`
	Volume24h *decimal.Decimal `json:"volume24h,omitempty"`
	Change24h *decimal.Decimal `json:"change24h,omitempty"`
}

// CoinDetails is the upstream per-coin document, passed through unchanged.
type CoinDetails = json.RawMessage

// SearchCoin is one upstream search or trending hit.
type SearchCoin struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Symbol        string `json:"symbol"`
	MarketCapRank int    `json:"market_cap_rank"`
	Thumb         string `json:"thumb,omitempty"`
}

// MarketSnapshot holds the indicator values observed for one instrument in a
// strategy cycle. A missing key means the indicator is unavailable.
type MarketSnapshot map[Indicator]decimal.Decimal
