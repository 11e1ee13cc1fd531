package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/papertrade/internal/domain"
)

// AnalyticsService is what the analytics endpoints need.
// *service.AnalyticsService satisfies it.
type AnalyticsService interface {
	Performance(ctx context.Context, userID string) (domain.PerformanceMetrics, error)
	Statistics(ctx context.Context, userID string) (domain.TradeStatistics, error)
	ProfitLossChart(ctx context.Context, userID string, days int) ([]domain.ProfitLossPoint, error)
	PortfolioHistory(ctx context.Context, userID string, days int) ([]domain.Trade, error)
	CoinPerformance(ctx context.Context, userID, instrumentID string) (domain.CoinPerformance, error)
}

// AnalyticsHandler serves /api/analytics.
type AnalyticsHandler struct {
	analytics AnalyticsService
	logger    *slog.Logger
}

// NewAnalyticsHandler creates an AnalyticsHandler.
func NewAnalyticsHandler(analytics AnalyticsService, logger *slog.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{analytics: analytics, logger: logger.With(slog.String("handler", "analytics"))}
}

// Performance returns the caller's overall cash-flow result.
// GET /api/analytics/performance
func (h *AnalyticsHandler) Performance(w http.ResponseWriter, r *http.Request) {
	m, err := h.analytics.Performance(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "performance", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Statistics returns trade size and frequency figures.
// GET /api/analytics/statistics
func (h *AnalyticsHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	st, err := h.analytics.Statistics(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ProfitLoss returns the daily profit and loss series.
// GET /api/analytics/profit-loss?days=30
func (h *AnalyticsHandler) ProfitLoss(w http.ResponseWriter, r *http.Request) {
	points, err := h.analytics.ProfitLossChart(r.Context(), userID(r), intParam(r, "days", 0))
	if err != nil {
		writeServiceError(w, r, h.logger, "profit loss chart", err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// PortfolioHistory returns the caller's fills in the window.
// GET /api/analytics/portfolio-history?days=30
func (h *AnalyticsHandler) PortfolioHistory(w http.ResponseWriter, r *http.Request) {
	trades, err := h.analytics.PortfolioHistory(r.Context(), userID(r), intParam(r, "days", 0))
	if err != nil {
		writeServiceError(w, r, h.logger, "portfolio history", err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// Coin returns the caller's result in one instrument.
// GET /api/analytics/coins/{coinId}
func (h *AnalyticsHandler) Coin(w http.ResponseWriter, r *http.Request) {
	cp, err := h.analytics.CoinPerformance(r.Context(), userID(r), r.PathValue("coinId"))
	if err != nil {
		writeServiceError(w, r, h.logger, "coin performance", err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}
