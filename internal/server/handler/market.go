package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/papertrade/internal/domain"
)

// MarketService is the market data passthrough. *service.MarketService
// satisfies it.
type MarketService interface {
	MarketData(ctx context.Context, page, perPage int) ([]domain.MarketCoin, error)
	CoinDetails(ctx context.Context, id string) (domain.CoinDetails, error)
	SearchCoins(ctx context.Context, query string) ([]domain.SearchCoin, error)
	Trending(ctx context.Context) ([]domain.SearchCoin, error)
}

// MarketHandler serves the market data endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, logger: logger.With(slog.String("handler", "market"))}
}

// List returns one page of the market listing.
// GET /api/market?page=1&per_page=50
func (h *MarketHandler) List(w http.ResponseWriter, r *http.Request) {
	coins, err := h.markets.MarketData(r.Context(), intParam(r, "page", 1), intParam(r, "per_page", 50))
	if err != nil {
		writeServiceError(w, r, h.logger, "market data", err)
		return
	}
	writeJSON(w, http.StatusOK, coins)
}

// Search looks coins up by name or symbol.
// GET /api/market/search?q=bit
func (h *MarketHandler) Search(w http.ResponseWriter, r *http.Request) {
	coins, err := h.markets.SearchCoins(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeServiceError(w, r, h.logger, "search coins", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"coins": coins})
}

// Trending returns the upstream trending list.
// GET /api/market/trending
func (h *MarketHandler) Trending(w http.ResponseWriter, r *http.Request) {
	coins, err := h.markets.Trending(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "trending", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"coins": coins})
}

// Coin returns the upstream detail document for one coin.
// GET /api/market/{coinId}
func (h *MarketHandler) Coin(w http.ResponseWriter, r *http.Request) {
	doc, err := h.markets.CoinDetails(r.Context(), r.PathValue("coinId"))
	if err != nil {
		writeServiceError(w, r, h.logger, "coin details", err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}
