package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	defaultAnalyticsDays = 30
	maxAnalyticsDays     = 365
	chartDateLayout      = "2006-01-02"
)

var (
	daysPerWeek  = decimal.NewFromInt(7)
	daysPerMonth = decimal.NewFromInt(30)
	secsPerDay   = decimal.NewFromInt(86400)
)

// AnalyticsService derives performance reports from a user's fills. Every
// report treats buys as cash invested and sells as cash returned.
type AnalyticsService struct {
	trades domain.TradeStore
	prices PriceSource
	now    func() time.Time
	logger *slog.Logger
}

// NewAnalyticsService creates an AnalyticsService.
func NewAnalyticsService(trades domain.TradeStore, prices PriceSource, logger *slog.Logger) *AnalyticsService {
	return &AnalyticsService{
		trades: trades,
		prices: prices,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "analytics_service")),
	}
}

// Performance totals the user's invested and returned cash, overall and per
// instrument.
func (s *AnalyticsService) Performance(ctx context.Context, userID string) (domain.PerformanceMetrics, error) {
	trades, err := s.fills(ctx, userID, nil)
	if err != nil {
		return domain.PerformanceMetrics{}, err
	}

	m := domain.PerformanceMetrics{TotalTrades: len(trades), CoinPerformance: []domain.CoinFlow{}}
	index := make(map[string]int)
	for _, t := range trades {
		i, ok := index[t.InstrumentID]
		if !ok {
			i = len(m.CoinPerformance)
			index[t.InstrumentID] = i
			m.CoinPerformance = append(m.CoinPerformance, domain.CoinFlow{
				InstrumentID:     t.InstrumentID,
				InstrumentSymbol: t.InstrumentSymbol,
			})
		}
		cf := &m.CoinPerformance[i]
		switch t.Side {
		case domain.SideBuy:
			m.BuyTrades++
			m.TotalInvested = m.TotalInvested.Add(t.Total)
			cf.BuyVolume = cf.BuyVolume.Add(t.Total)
		case domain.SideSell:
			m.SellTrades++
			m.TotalReturned = m.TotalReturned.Add(t.Total)
			cf.SellVolume = cf.SellVolume.Add(t.Total)
		}
		cf.ProfitLoss = cf.SellVolume.Sub(cf.BuyVolume)
	}
	m.ProfitLoss = m.TotalReturned.Sub(m.TotalInvested)
	m.ProfitLossPercentage = percentOf(m.ProfitLoss, m.TotalInvested)
	return m, nil
}

// Statistics reports trade size, frequency over the span between the first
// and last fill, and the most traded instrument. Frequency needs at least
// two fills.
func (s *AnalyticsService) Statistics(ctx context.Context, userID string) (domain.TradeStatistics, error) {
	trades, err := s.fills(ctx, userID, nil)
	if err != nil {
		return domain.TradeStatistics{}, err
	}

	n := len(trades)
	st := domain.TradeStatistics{TradeCount: n}
	if n == 0 {
		return st, nil
	}
	count := decimal.NewFromInt(int64(n))
	var volume decimal.Decimal
	for _, t := range trades {
		volume = volume.Add(t.Total)
	}
	st.AverageTradeSize = volume.Div(count)
	if n < 2 {
		return st, nil
	}

	st.TradesPerDay = count
	if span := trades[n-1].ExecutedAt.Sub(trades[0].ExecutedAt); span >= time.Second {
		days := decimal.NewFromInt(int64(span / time.Second)).Div(secsPerDay)
		st.TradesPerDay = count.Div(days)
	}
	st.TradesPerWeek = st.TradesPerDay.Mul(daysPerWeek)
	st.TradesPerMonth = st.TradesPerDay.Mul(daysPerMonth)

	var (
		activity []domain.CoinActivity
		index    = make(map[string]int)
	)
	for _, t := range trades {
		i, ok := index[t.InstrumentID]
		if !ok {
			i = len(activity)
			index[t.InstrumentID] = i
			activity = append(activity, domain.CoinActivity{
				InstrumentID:     t.InstrumentID,
				InstrumentSymbol: t.InstrumentSymbol,
			})
		}
		activity[i].Count++
		activity[i].Volume = activity[i].Volume.Add(t.Total)
	}
	// Ties go to the instrument traded first.
	best := activity[0]
	for _, a := range activity[1:] {
		if a.Count > best.Count {
			best = a
		}
	}
	st.MostTradedCoin = &best
	return st, nil
}

// ProfitLossChart returns one point per UTC day for the last days days,
// today included, with each day's net cash flow and the running total.
func (s *AnalyticsService) ProfitLossChart(ctx context.Context, userID string, days int) ([]domain.ProfitLossPoint, error) {
	days = clampDays(days)
	start := s.windowStart(days)
	trades, err := s.fills(ctx, userID, &start)
	if err != nil {
		return nil, err
	}

	points := make([]domain.ProfitLossPoint, days+1)
	index := make(map[string]int, days+1)
	for i := range points {
		date := start.AddDate(0, 0, i).Format(chartDateLayout)
		points[i].Date = date
		index[date] = i
	}
	for _, t := range trades {
		i, ok := index[t.ExecutedAt.UTC().Format(chartDateLayout)]
		if !ok {
			continue
		}
		if t.Side == domain.SideBuy {
			points[i].ProfitLoss = points[i].ProfitLoss.Sub(t.Total)
		} else {
			points[i].ProfitLoss = points[i].ProfitLoss.Add(t.Total)
		}
	}
	var running decimal.Decimal
	for i := range points {
		running = running.Add(points[i].ProfitLoss)
		points[i].CumulativeProfitLoss = running
	}
	return points, nil
}

// PortfolioHistory returns the user's fills of the last days days, oldest
// first. Unlike the portfolio's embedded history it is not capped.
func (s *AnalyticsService) PortfolioHistory(ctx context.Context, userID string, days int) ([]domain.Trade, error) {
	start := s.windowStart(clampDays(days))
	return s.fills(ctx, userID, &start)
}

// CoinPerformance reports realised and unrealised results for one
// instrument. It fails with ErrNotFound when the user never traded it.
func (s *AnalyticsService) CoinPerformance(ctx context.Context, userID, instrumentID string) (domain.CoinPerformance, error) {
	if instrumentID == "" {
		return domain.CoinPerformance{}, domain.Invalid("coinId", "is required")
	}
	all, err := s.fills(ctx, userID, nil)
	if err != nil {
		return domain.CoinPerformance{}, err
	}

	cp := domain.CoinPerformance{InstrumentID: instrumentID, Trades: []domain.Trade{}}
	for _, t := range all {
		if t.InstrumentID != instrumentID {
			continue
		}
		cp.Trades = append(cp.Trades, t)
		if cp.InstrumentSymbol == "" {
			cp.InstrumentSymbol = t.InstrumentSymbol
		}
		switch t.Side {
		case domain.SideBuy:
			cp.BuyTrades++
			cp.TotalBought = cp.TotalBought.Add(t.Quantity)
			cp.TotalBoughtValue = cp.TotalBoughtValue.Add(t.Total)
		case domain.SideSell:
			cp.SellTrades++
			cp.TotalSold = cp.TotalSold.Add(t.Quantity)
			cp.TotalSoldValue = cp.TotalSoldValue.Add(t.Total)
		}
	}
	cp.TotalTrades = len(cp.Trades)
	if cp.TotalTrades == 0 {
		return domain.CoinPerformance{}, fmt.Errorf("analytics: %w: no trades in %s", domain.ErrNotFound, instrumentID)
	}

	if cp.TotalBought.IsPositive() {
		cp.AvgBuyPrice = cp.TotalBoughtValue.Div(cp.TotalBought)
		// Realised result: proceeds against the average cost of what was sold.
		cp.ProfitLoss = cp.TotalSoldValue.Sub(cp.TotalSold.Mul(cp.AvgBuyPrice))
	} else {
		cp.ProfitLoss = cp.TotalSoldValue
	}
	if cp.TotalSold.IsPositive() {
		cp.AvgSellPrice = cp.TotalSoldValue.Div(cp.TotalSold)
		cp.ProfitLossPercentage = percentOf(cp.AvgSellPrice.Sub(cp.AvgBuyPrice), cp.AvgBuyPrice)
	}
	cp.CurrentHolding = decimal.Max(cp.TotalBought.Sub(cp.TotalSold), decimal.Zero)

	price, err := s.prices.Price(ctx, instrumentID)
	if err != nil {
		s.logger.WarnContext(ctx, "coin performance without live price",
			slog.String("coin_id", instrumentID),
			slog.String("error", err.Error()),
		)
		return cp, nil
	}
	unrealised := cp.CurrentHolding.Mul(price.Sub(cp.AvgBuyPrice))
	pct := percentOf(price.Sub(cp.AvgBuyPrice), cp.AvgBuyPrice)
	cp.CurrentPrice = &price
	cp.UnrealizedProfitLoss = &unrealised
	cp.UnrealizedProfitLossPercentage = &pct
	return cp, nil
}

// fills returns the user's trades executed at or after since (all when nil),
// oldest first.
func (s *AnalyticsService) fills(ctx context.Context, userID string, since *time.Time) ([]domain.Trade, error) {
	if userID == "" {
		return nil, domain.ErrUnauthorized
	}
	trades, err := s.trades.ListByUser(ctx, userID, domain.ListOpts{Since: since})
	if err != nil {
		return nil, fmt.Errorf("analytics: list trades: %w", err)
	}
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].ExecutedAt.Before(trades[j].ExecutedAt)
	})
	return trades, nil
}

// windowStart is midnight UTC days days ago.
func (s *AnalyticsService) windowStart(days int) time.Time {
	today := s.now().UTC().Truncate(24 * time.Hour)
	return today.AddDate(0, 0, -days)
}

func clampDays(days int) int {
	if days <= 0 {
		return defaultAnalyticsDays
	}
	return min(days, maxAnalyticsDays)
}

// percentOf is part/whole*100, or zero when whole is not positive.
func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred)
}
