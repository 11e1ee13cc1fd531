package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/papertrade/internal/cache/memory"
	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/alanyoungcy/papertrade/internal/ledger"
	"github.com/alanyoungcy/papertrade/internal/server/handler"
	"github.com/alanyoungcy/papertrade/internal/server/middleware"
	"github.com/alanyoungcy/papertrade/internal/service"
	memstore "github.com/alanyoungcy/papertrade/internal/store/memory"
	"github.com/alanyoungcy/papertrade/internal/strategy"
)

const testKey = "secret"

type fakeOracle struct {
	prices map[string]decimal.Decimal
}

func (f *fakeOracle) Price(_ context.Context, id string) (decimal.Decimal, error) {
	p, ok := f.prices[id]
	if !ok {
		return decimal.Zero, domain.ErrPriceUnavailable
	}
	return p, nil
}

func (f *fakeOracle) Prices(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(ids))
	for _, id := range ids {
		if p, err := f.Price(ctx, id); err == nil {
			out[id] = p
		}
	}
	return out, nil
}

func (f *fakeOracle) Markets(context.Context, int, int) ([]domain.MarketCoin, error) {
	return []domain.MarketCoin{{ID: "bitcoin", Symbol: "btc"}}, nil
}

func (f *fakeOracle) Coin(_ context.Context, id string) (domain.CoinDetails, error) {
	if id != "bitcoin" {
		return nil, domain.ErrNotFound
	}
	return domain.CoinDetails(`{"id":"bitcoin","symbol":"btc"}`), nil
}

func (f *fakeOracle) Search(context.Context, string) ([]domain.SearchCoin, error) {
	return []domain.SearchCoin{{ID: "bitcoin"}}, nil
}

func (f *fakeOracle) Trending(context.Context) ([]domain.SearchCoin, error) {
	return []domain.SearchCoin{{ID: "bitcoin"}}, nil
}

func newTestServer(t *testing.T, rateLimit int) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	oracle := &fakeOracle{prices: map[string]decimal.Decimal{"bitcoin": decimal.NewFromInt(100)}}

	trades := memstore.NewTradeStore()
	led := ledger.New(memstore.NewPortfolioStore(), nil, ledger.Config{StartingBalance: decimal.NewFromInt(10000)}, logger)
	journal := service.NewJournal(trades, memstore.NewAuditStore(), nil, logger)
	tradeSvc := service.NewTradeService(led, memstore.NewOrderStore(), oracle, journal, logger)
	registry := strategy.NewRegistry()
	registry.Register(domain.IndicatorPrice, strategy.SourceFunc(oracle.Price))
	strategySvc := service.NewStrategyService(memstore.NewStrategyStore(), trades, registry, oracle, journal, logger)

	handlers := Handlers{
		Health:     handler.NewHealthHandler(nil, logger),
		Trades:     handler.NewTradeHandler(tradeSvc, logger),
		Markets:    handler.NewMarketHandler(service.NewMarketService(oracle, logger), logger),
		Strategies: handler.NewStrategyHandler(strategySvc, logger),
		Analytics:  handler.NewAnalyticsHandler(service.NewAnalyticsService(trades, oracle, logger), logger),
	}
	cfg := Config{APIKey: testKey, RateLimit: rateLimit, RateWindow: time.Minute}
	return NewServer(cfg, handlers, nil, memory.NewRateLimiter(rateLimit, time.Minute), logger).Handler()
}

func do(t *testing.T, h http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testKey)
	if user != "" {
		req.Header.Set(middleware.UserHeader, user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealthIsOpen(t *testing.T) {
	h := newTestServer(t, 0)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRequiresKeyAndUser(t *testing.T) {
	h := newTestServer(t, 0)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/portfolio", nil)
	req.Header.Set(middleware.UserHeader, "u1")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d", rec.Code)
	}

	if rec := do(t, h, http.MethodGet, "/api/portfolio", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no user: status = %d", rec.Code)
	}
}

func TestTradeOrderFlow(t *testing.T) {
	h := newTestServer(t, 0)

	rec := do(t, h, http.MethodPost, "/api/trades", "u1", map[string]any{
		"coinId": "bitcoin", "coinSymbol": "btc", "type": "buy", "quantity": "10",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("trade: status = %d body = %s", rec.Code, rec.Body)
	}
	var res service.TradeResult
	decode(t, rec, &res)
	if !res.Portfolio.Balance.Equal(decimal.NewFromInt(9000)) {
		t.Fatalf("balance = %s, want 9000", res.Portfolio.Balance)
	}

	rec = do(t, h, http.MethodPost, "/api/orders", "u1", map[string]any{
		"coinId": "bitcoin", "type": "buy", "quantity": "1", "orderType": "limit", "limitPrice": "90",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("order: status = %d body = %s", rec.Code, rec.Body)
	}
	var order domain.Order
	decode(t, rec, &order)
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("order status = %s", order.Status)
	}

	rec = do(t, h, http.MethodGet, "/api/orders", "u1", nil)
	var open struct {
		Orders []domain.Order `json:"orders"`
	}
	decode(t, rec, &open)
	if len(open.Orders) != 1 {
		t.Fatalf("open orders = %d, want 1", len(open.Orders))
	}

	if rec := do(t, h, http.MethodDelete, "/api/orders/"+order.ID, "u2", nil); rec.Code != http.StatusNotFound && rec.Code != http.StatusForbidden {
		t.Fatalf("cancel by other user: status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/orders/"+order.ID, "u1", nil); rec.Code/100 != 2 {
		t.Fatalf("cancel: status = %d body = %s", rec.Code, rec.Body)
	}
	// Cancelling removes the order, so a repeat finds nothing.
	if rec := do(t, h, http.MethodDelete, "/api/orders/"+order.ID, "u1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second cancel: status = %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/positions/bitcoin/close", "u1", map[string]any{"percentage": "50"})
	if rec.Code != http.StatusOK {
		t.Fatalf("close: status = %d body = %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/api/portfolio", "u1", nil)
	var view domain.PortfolioView
	decode(t, rec, &view)
	if len(view.Holdings) != 1 || !view.Holdings[0].Quantity.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("holdings = %+v", view.Holdings)
	}
	if !view.Balance.Equal(decimal.NewFromInt(9500)) {
		t.Fatalf("balance = %s, want 9500", view.Balance)
	}
}

func TestTradeErrors(t *testing.T) {
	h := newTestServer(t, 0)
	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"bad quantity", map[string]any{"coinId": "bitcoin", "type": "buy", "quantity": "-1"}, http.StatusBadRequest},
		{"insufficient funds", map[string]any{"coinId": "bitcoin", "type": "buy", "quantity": "1000"}, http.StatusUnprocessableEntity},
		{"no holdings", map[string]any{"coinId": "bitcoin", "type": "sell", "quantity": "1"}, http.StatusUnprocessableEntity},
		{"no price", map[string]any{"coinId": "dogecoin", "type": "buy", "quantity": "1"}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/trades", "u1", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d body = %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestMarketRoutes(t *testing.T) {
	h := newTestServer(t, 0)
	for path, want := range map[string]int{
		"/api/market":             http.StatusOK,
		"/api/market/search?q=bt": http.StatusOK,
		"/api/market/trending":    http.StatusOK,
		"/api/market/bitcoin":     http.StatusOK,
		"/api/market/nope":        http.StatusNotFound,
	} {
		if rec := do(t, h, http.MethodGet, path, "u1", nil); rec.Code != want {
			t.Errorf("%s: status = %d, want %d", path, rec.Code, want)
		}
	}
}

func TestStrategyRoutes(t *testing.T) {
	h := newTestServer(t, 0)
	rec := do(t, h, http.MethodPost, "/api/strategies", "u1", map[string]any{
		"name":       "dip",
		"coinId":     "bitcoin",
		"type":       "buy",
		"conditions": []map[string]any{{"indicator": "price", "operator": "<", "value": "150"}},
		"actions":    []map[string]any{{"type": "buy", "amount": "1"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d body = %s", rec.Code, rec.Body)
	}
	var st domain.Strategy
	decode(t, rec, &st)

	if rec := do(t, h, http.MethodGet, "/api/strategies/"+st.ID, "u2", nil); rec.Code != http.StatusNotFound && rec.Code != http.StatusForbidden {
		t.Fatalf("foreign get: status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/strategies/"+st.ID+"/activate", "u1", nil); rec.Code != http.StatusOK {
		t.Fatalf("activate: status = %d body = %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/api/strategies/"+st.ID+"/performance", "u1", nil)
	var perf domain.StrategyPerformance
	decode(t, rec, &perf)
	if !perf.ConditionsMet {
		t.Fatalf("conditions should hold at price 100: %+v", perf)
	}

	if rec := do(t, h, http.MethodDelete, "/api/strategies/"+st.ID, "u1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/strategies", "u1", nil)
	var list struct {
		Strategies []domain.Strategy `json:"strategies"`
	}
	decode(t, rec, &list)
	if len(list.Strategies) != 0 {
		t.Fatalf("strategies after delete = %d", len(list.Strategies))
	}
}

func TestAnalyticsRoutes(t *testing.T) {
	h := newTestServer(t, 0)
	for _, side := range []string{"buy", "sell"} {
		rec := do(t, h, http.MethodPost, "/api/trades", "u1", map[string]any{
			"coinId": "bitcoin", "coinSymbol": "btc", "type": side, "quantity": "2",
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("%s: status = %d body = %s", side, rec.Code, rec.Body)
		}
	}

	rec := do(t, h, http.MethodGet, "/api/analytics/performance", "u1", nil)
	var perf domain.PerformanceMetrics
	decode(t, rec, &perf)
	if perf.TotalTrades != 2 || perf.BuyTrades != 1 || perf.SellTrades != 1 {
		t.Fatalf("performance = %+v", perf)
	}
	if !perf.ProfitLoss.IsZero() || len(perf.CoinPerformance) != 1 {
		t.Fatalf("performance = %+v", perf)
	}

	rec = do(t, h, http.MethodGet, "/api/analytics/statistics", "u1", nil)
	var stats domain.TradeStatistics
	decode(t, rec, &stats)
	if stats.TradeCount != 2 || stats.MostTradedCoin == nil || stats.MostTradedCoin.InstrumentID != "bitcoin" {
		t.Fatalf("statistics = %+v", stats)
	}

	rec = do(t, h, http.MethodGet, "/api/analytics/profit-loss?days=7", "u1", nil)
	var points []domain.ProfitLossPoint
	decode(t, rec, &points)
	if len(points) != 8 {
		t.Fatalf("points = %d, want 8", len(points))
	}

	rec = do(t, h, http.MethodGet, "/api/analytics/portfolio-history", "u1", nil)
	var history []domain.Trade
	decode(t, rec, &history)
	if len(history) != 2 || history[0].Side != domain.SideBuy {
		t.Fatalf("history = %+v", history)
	}

	rec = do(t, h, http.MethodGet, "/api/analytics/coins/bitcoin", "u1", nil)
	var coin domain.CoinPerformance
	decode(t, rec, &coin)
	if coin.TotalTrades != 2 || coin.CurrentPrice == nil || !coin.CurrentHolding.IsZero() {
		t.Fatalf("coin = %+v", coin)
	}

	for path, want := range map[string]int{
		"/api/analytics/coins/ethereum": http.StatusNotFound,
		"/api/analytics/performance":    http.StatusOK,
	} {
		if rec := do(t, h, http.MethodGet, path, "u2", nil); rec.Code != want {
			t.Errorf("%s: status = %d, want %d", path, rec.Code, want)
		}
	}
}

func TestRateLimited(t *testing.T) {
	h := newTestServer(t, 2)
	for i := 0; i < 2; i++ {
		if rec := do(t, h, http.MethodGet, "/api/portfolio", "u1", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
	rec := do(t, h, http.MethodGet, "/api/portfolio", "u1", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/portfolio", "u2", nil); rec.Code != http.StatusOK {
		t.Fatalf("other user: status = %d", rec.Code)
	}
}
