package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/alanyoungcy/papertrade/internal/ledger"
	"github.com/alanyoungcy/papertrade/internal/store/memory"
	"github.com/shopspring/decimal"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	err    error
}

func newFakePrices() *fakePrices {
	return &fakePrices{prices: map[string]decimal.Decimal{}}
}

func (f *fakePrices) set(id, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[id] = dec(price)
}

func (f *fakePrices) Price(_ context.Context, id string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", domain.ErrPriceUnavailable, f.err)
	}
	p, ok := f.prices[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no quote for %s", domain.ErrPriceUnavailable, id)
	}
	return p, nil
}

func (f *fakePrices) Prices(_ context.Context, ids []string) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]decimal.Decimal{}
	if f.err != nil {
		return out, fmt.Errorf("%w: %w", domain.ErrPriceUnavailable, f.err)
	}
	for _, id := range ids {
		if p, ok := f.prices[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	execs  []domain.ExecutionEvent
	prices []domain.PriceUpdate
}

func (r *recordingPublisher) Execution(_ context.Context, ev domain.ExecutionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs = append(r.execs, ev)
}

func (r *recordingPublisher) Price(_ context.Context, upd domain.PriceUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices = append(r.prices, upd)
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.execs))
	for _, ev := range r.execs {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	ledger     *ledger.Ledger
	portfolios *memory.PortfolioStore
	orders     *memory.OrderStore
	trades     *memory.TradeStore
	strategies *memory.StrategyStore
	audit      *memory.AuditStore
	prices     *fakePrices
	events     *recordingPublisher
	journal    *Journal
	svc        *TradeService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		portfolios: memory.NewPortfolioStore(),
		orders:     memory.NewOrderStore(),
		trades:     memory.NewTradeStore(),
		strategies: memory.NewStrategyStore(),
		audit:      memory.NewAuditStore(),
		prices:     newFakePrices(),
		events:     &recordingPublisher{},
	}
	h.ledger = ledger.New(h.portfolios, nil, ledger.Config{StartingBalance: dec("100000")}, discardLogger())
	h.journal = NewJournal(h.trades, h.audit, h.events, discardLogger())
	h.svc = NewTradeService(h.ledger, h.orders, h.prices, h.journal, discardLogger())
	return h
}

func (h *harness) balance(t *testing.T, user string) decimal.Decimal {
	t.Helper()
	p, err := h.ledger.Get(context.Background(), user)
	if err != nil {
		t.Fatalf("get portfolio: %v", err)
	}
	return p.Balance
}

func (h *harness) holding(t *testing.T, user, id string) (domain.Holding, bool) {
	t.Helper()
	p, err := h.ledger.Get(context.Background(), user)
	if err != nil {
		t.Fatalf("get portfolio: %v", err)
	}
	hd, ok := p.Holdings[id]
	return hd, ok
}

func (h *harness) buy(t *testing.T, user, id, qty, price string) domain.Trade {
	t.Helper()
	h.prices.set(id, price)
	res, err := h.svc.ExecuteMarketTrade(context.Background(), MarketTradeRequest{
		UserID:           user,
		InstrumentID:     id,
		InstrumentSymbol: id[:3],
		Side:             domain.SideBuy,
		Quantity:         dec(qty),
	})
	if err != nil {
		t.Fatalf("buy %s %s@%s: %v", id, qty, price, err)
	}
	return res.Trade
}

func assertDec(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Fatalf("%s = %s, want %s", name, got, want)
	}
}

var errStoreDown = errors.New("store down")

// flakyOrders fails the selected writes and passes everything else through.
type flakyOrders struct {
	domain.OrderStore
	failCreate   bool
	failComplete bool
}

func (f *flakyOrders) Create(ctx context.Context, o domain.Order) error {
	if f.failCreate {
		return errStoreDown
	}
	return f.OrderStore.Create(ctx, o)
}

func (f *flakyOrders) Complete(ctx context.Context, id string, price, total decimal.Decimal, at time.Time) error {
	if f.failComplete {
		return errStoreDown
	}
	return f.OrderStore.Complete(ctx, id, price, total, at)
}

type flakyTrades struct {
	domain.TradeStore
	failInsert bool
}

func (f *flakyTrades) Insert(ctx context.Context, t domain.Trade) error {
	if f.failInsert {
		return errStoreDown
	}
	return f.TradeStore.Insert(ctx, t)
}

// flaky rebuilds the service over failure-injecting wrappers of the
// harness stores.
func (h *harness) flaky() (*flakyOrders, *flakyTrades) {
	orders := &flakyOrders{OrderStore: h.orders}
	trades := &flakyTrades{TradeStore: h.trades}
	h.journal = NewJournal(trades, h.audit, h.events, discardLogger())
	h.svc = NewTradeService(h.ledger, orders, h.prices, h.journal, discardLogger())
	return orders, trades
}
