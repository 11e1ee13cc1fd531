package strategy

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/shopspring/decimal"
)

// StatsReader serves the market figures behind the non-price indicators.
// *oracle.Oracle satisfies it.
type StatsReader interface {
	Stats(ctx context.Context, instrumentID string) (domain.CoinStats, error)
}

// RegisterMarketIndicators wires volume, market_cap and price_change_24h
// to r. A figure the upstream did not report leaves the indicator out of the
// snapshot, so conditions on it evaluate false.
func RegisterMarketIndicators(reg *Registry, r StatsReader) {
	reg.Register(domain.IndicatorVolume, statField(r, func(s domain.CoinStats) *decimal.Decimal { return s.Volume24h }))
	reg.Register(domain.IndicatorMarketCap, statField(r, func(s domain.CoinStats) *decimal.Decimal { return s.MarketCap }))
	reg.Register(domain.IndicatorPriceChange24h, statField(r, func(s domain.CoinStats) *decimal.Decimal { return s.Change24h }))
}

func statField(r StatsReader, pick func(domain.CoinStats) *decimal.Decimal) Source {
	return SourceFunc(func(ctx context.Context, instrumentID string) (decimal.Decimal, error) {
		s, err := r.Stats(ctx, instrumentID)
		if err != nil {
			return decimal.Zero, err
		}
		v := pick(s)
		if v == nil {
			return decimal.Zero, fmt.Errorf("%w for %s", ErrNoValue, instrumentID)
		}
		return *v, nil
	})
}
