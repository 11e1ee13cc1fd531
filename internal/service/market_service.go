package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/papertrade/internal/domain"
)

const (
	defaultPerPage = 50
	maxPerPage     = 250
)

// MarketService serves market listings and coin metadata. Caching lives in
// the oracle.
type MarketService struct {
	source MarketSource
	logger *slog.Logger
}

// NewMarketService creates a MarketService.
func NewMarketService(source MarketSource, logger *slog.Logger) *MarketService {
	return &MarketService{
		source: source,
		logger: logger.With(slog.String("component", "market_service")),
	}
}

// MarketData returns one page of coins ordered by market cap.
func (s *MarketService) MarketData(ctx context.Context, page, perPage int) ([]domain.MarketCoin, error) {
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		return nil, domain.Invalid("limit", fmt.Sprintf("must be at most %d", maxPerPage))
	}
	coins, err := s.source.Markets(ctx, page, perPage)
	if err != nil {
		return nil, fmt.Errorf("market_service: markets page %d: %w", page, err)
	}
	return coins, nil
}

// CoinDetails returns the upstream document for one coin.
func (s *MarketService) CoinDetails(ctx context.Context, id string) (domain.CoinDetails, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.Invalid("coinId", "is required")
	}
	details, err := s.source.Coin(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("market_service: coin %q: %w", id, err)
	}
	return details, nil
}

// SearchCoins looks coins up by name or symbol.
func (s *MarketService) SearchCoins(ctx context.Context, query string) ([]domain.SearchCoin, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.Invalid("query", "is required")
	}
	coins, err := s.source.Search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("market_service: search %q: %w", query, err)
	}
	return coins, nil
}

// Trending returns the upstream trending list.
func (s *MarketService) Trending(ctx context.Context) ([]domain.SearchCoin, error) {
	coins, err := s.source.Trending(ctx)
	if err != nil {
		return nil, fmt.Errorf("market_service: trending: %w", err)
	}
	return coins, nil
}
