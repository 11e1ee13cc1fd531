package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/alanyoungcy/papertrade/internal/server/handler"
	"github.com/alanyoungcy/papertrade/internal/server/middleware"
	"github.com/alanyoungcy/papertrade/internal/server/ws"
)

const healthPath = "/api/health"

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int    // requests per RateWindow per user; 0 disables
	RateWindow  time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Trades     *handler.TradeHandler
	Markets    *handler.MarketHandler
	Strategies *handler.StrategyHandler
	Analytics  *handler.AnalyticsHandler
}

// Server is the HTTP + WebSocket API for the paper trading engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain: CORS, logging, API key auth, user identity, rate limiting.
// limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	registerRoutes(mux, handlers, wsHub)

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	}
	h = middleware.User(healthPath, "/ws")(h)
	h = middleware.Auth(cfg.APIKey, healthPath)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

func registerRoutes(mux *http.ServeMux, handlers Handlers, wsHub *ws.Hub) {
	mux.HandleFunc("GET "+healthPath, handlers.Health.HealthCheck)

	if t := handlers.Trades; t != nil {
		mux.HandleFunc("GET /api/portfolio", t.Portfolio)
		mux.HandleFunc("POST /api/trades", t.ExecuteTrade)
		mux.HandleFunc("GET /api/trades", t.History)
		mux.HandleFunc("POST /api/orders", t.PlaceOrder)
		mux.HandleFunc("GET /api/orders", t.OpenOrders)
		mux.HandleFunc("DELETE /api/orders/{id}", t.CancelOrder)
		mux.HandleFunc("POST /api/positions/{coinId}/close", t.ClosePosition)
	}

	if m := handlers.Markets; m != nil {
		mux.HandleFunc("GET /api/market", m.List)
		mux.HandleFunc("GET /api/market/search", m.Search)
		mux.HandleFunc("GET /api/market/trending", m.Trending)
		mux.HandleFunc("GET /api/market/{coinId}", m.Coin)
	}

	if s := handlers.Strategies; s != nil {
		mux.HandleFunc("POST /api/strategies", s.Create)
		mux.HandleFunc("GET /api/strategies", s.List)
		mux.HandleFunc("GET /api/strategies/{id}", s.Get)
		mux.HandleFunc("PUT /api/strategies/{id}", s.Update)
		mux.HandleFunc("DELETE /api/strategies/{id}", s.Delete)
		mux.HandleFunc("POST /api/strategies/{id}/activate", s.Activate)
		mux.HandleFunc("POST /api/strategies/{id}/deactivate", s.Deactivate)
		mux.HandleFunc("GET /api/strategies/{id}/performance", s.Performance)
	}

	if an := handlers.Analytics; an != nil {
		mux.HandleFunc("GET /api/analytics/performance", an.Performance)
		mux.HandleFunc("GET /api/analytics/statistics", an.Statistics)
		mux.HandleFunc("GET /api/analytics/profit-loss", an.ProfitLoss)
		mux.HandleFunc("GET /api/analytics/portfolio-history", an.PortfolioHistory)
		mux.HandleFunc("GET /api/analytics/coins/{coinId}", an.Coin)
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
