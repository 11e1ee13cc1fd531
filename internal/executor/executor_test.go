package executor

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
	"github.com/alanyoungcy/papertrade/internal/scheduler"
	"github.com/alanyoungcy/papertrade/internal/service"
	"github.com/alanyoungcy/papertrade/internal/store/memory"
	"github.com/alanyoungcy/papertrade/internal/strategy"
	"github.com/shopspring/decimal"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

type quoteBoard struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	down   map[string]bool
	calls  map[string]int
}

func newQuoteBoard() *quoteBoard {
	return &quoteBoard{
		prices: map[string]decimal.Decimal{},
		down:   map[string]bool{},
		calls:  map[string]int{},
	}
}

func (q *quoteBoard) set(id, p string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.prices[id] = dec(p)
}

func (q *quoteBoard) Price(_ context.Context, id string) (decimal.Decimal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls[id]++
	if q.down[id] {
		return decimal.Zero, fmt.Errorf("%w: upstream down", domain.ErrPriceUnavailable)
	}
	p, ok := q.prices[id]
	if !ok {
		return decimal.Zero, domain.ErrPriceUnavailable
	}
	return p, nil
}

func (q *quoteBoard) Prices(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	out := map[string]decimal.Decimal{}
	for _, id := range ids {
		if p, err := q.Price(ctx, id); err == nil {
			out[id] = p
		}
	}
	return out, nil
}

type rig struct {
	ledger     *ledger.Ledger
	orders     *memory.OrderStore
	strategies *memory.StrategyStore
	quotes     *quoteBoard
	trades     *service.TradeService
	evaluator  *TriggerEvaluator
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		orders:     memory.NewOrderStore(),
		strategies: memory.NewStrategyStore(),
		quotes:     newQuoteBoard(),
	}
	r.ledger = ledger.New(memory.NewPortfolioStore(), nil, ledger.Config{StartingBalance: dec("100000")}, discardLogger())
	journal := service.NewJournal(memory.NewTradeStore(), memory.NewAuditStore(), nil, discardLogger())
	r.trades = service.NewTradeService(r.ledger, r.orders, r.quotes, journal, discardLogger())
	r.evaluator = NewTriggerEvaluator(r.orders, r.quotes, r.trades, 4, discardLogger())
	return r
}

func (r *rig) portfolio(t *testing.T, user string) domain.Portfolio {
	t.Helper()
	p, err := r.ledger.Get(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func (r *rig) buy(t *testing.T, user, id, qty, price string) {
	t.Helper()
	r.quotes.set(id, price)
	_, err := r.trades.ExecuteMarketTrade(context.Background(), service.MarketTradeRequest{
		UserID: user, InstrumentID: id, Side: domain.SideBuy, Quantity: dec(qty),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (r *rig) place(t *testing.T, req domain.OrderRequest) domain.Order {
	t.Helper()
	o, err := r.trades.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != domain.OrderStatusPending {
		t.Fatalf("order %s is %s, want pending", o.ID, o.Status)
	}
	return o
}

func TestStopSellFillsWhenPriceDrops(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.buy(t, "u1", "coin-x", "5", "100")
	before := r.portfolio(t, "u1").Balance

	o := r.place(t, domain.OrderRequest{
		UserID: "u1", InstrumentID: "coin-x", Side: domain.SideSell,
		Quantity: dec("5"), Kind: domain.OrderKindStop, StopPrice: decPtr("90"),
	})

	for _, p := range []string{"99", "95", "90.01"} {
		r.quotes.set("coin-x", p)
		stats, err := r.evaluator.RunCycle(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if stats.Filled != 0 {
			t.Fatalf("filled early at %s", p)
		}
	}

	r.quotes.set("coin-x", "88")
	stats, err := r.evaluator.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Filled != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	p := r.portfolio(t, "u1")
	if got := p.Balance.Sub(before); !got.Equal(dec("440")) {
		t.Fatalf("credit = %s, want 440", got)
	}
	if _, ok := p.Holdings["coin-x"]; ok {
		t.Fatal("holding should be removed")
	}
	stored, _ := r.orders.GetByID(ctx, o.ID)
	if stored.Status != domain.OrderStatusCompleted {
		t.Fatalf("status = %s", stored.Status)
	}

	stats, _ = r.evaluator.RunCycle(ctx)
	if stats.Checked != 0 {
		t.Fatal("completed orders must leave the active set")
	}
}

func TestTriggerPredicates(t *testing.T) {
	tests := []struct {
		name    string
		side    domain.Side
		kind    domain.OrderKind
		trigger string
		start   string
		noFill  []string
		fillAt  string
	}{
		{"limit buy", domain.SideBuy, domain.OrderKindLimit, "100", "120", []string{"110", "100.01"}, "100"},
		{"limit sell", domain.SideSell, domain.OrderKindLimit, "150", "120", []string{"130", "149.99"}, "150"},
		{"stop buy", domain.SideBuy, domain.OrderKindStop, "130", "120", []string{"125", "129.99"}, "130"},
		{"stop sell", domain.SideSell, domain.OrderKindStop, "90", "120", []string{"100", "90.01"}, "90"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t)
			ctx := context.Background()
			r.buy(t, "u1", "coin-x", "2", "120")

			req := domain.OrderRequest{
				UserID: "u1", InstrumentID: "coin-x", Side: tt.side,
				Quantity: dec("1"), Kind: tt.kind,
			}
			if tt.kind == domain.OrderKindLimit {
				req.LimitPrice = decPtr(tt.trigger)
			} else {
				req.StopPrice = decPtr(tt.trigger)
			}
			r.quotes.set("coin-x", tt.start)
			o := r.place(t, req)

			for _, p := range tt.noFill {
				r.quotes.set("coin-x", p)
				if stats, _ := r.evaluator.RunCycle(ctx); stats.Filled != 0 {
					t.Fatalf("filled at %s", p)
				}
			}
			r.quotes.set("coin-x", tt.fillAt)
			if stats, _ := r.evaluator.RunCycle(ctx); stats.Filled != 1 {
				t.Fatalf("did not fill at %s: %+v", tt.fillAt, stats)
			}
			stored, _ := r.orders.GetByID(ctx, o.ID)
			if !stored.ExecutionPrice.Equal(dec(tt.fillAt)) {
				t.Fatalf("execution price = %s", stored.ExecutionPrice)
			}
		})
	}
}

func TestInstrumentFailuresAreIsolated(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.quotes.set("coin-a", "120")
	r.quotes.set("coin-b", "120")
	r.quotes.set("coin-c", "900")
	a := r.place(t, domain.OrderRequest{
		UserID: "u1", InstrumentID: "coin-a", Side: domain.SideBuy,
		Quantity: dec("1"), Kind: domain.OrderKindLimit, LimitPrice: decPtr("100"),
	})
	b := r.place(t, domain.OrderRequest{
		UserID: "u2", InstrumentID: "coin-b", Side: domain.SideBuy,
		Quantity: dec("1"), Kind: domain.OrderKindLimit, LimitPrice: decPtr("100"),
	})
	missing := r.place(t, domain.OrderRequest{
		UserID: "u3", InstrumentID: "coin-c", Side: domain.SideSell,
		Quantity: dec("1"), Kind: domain.OrderKindLimit, LimitPrice: decPtr("1000"),
	})

	r.quotes.mu.Lock()
	r.quotes.down["coin-a"] = true
	r.quotes.mu.Unlock()
	r.quotes.set("coin-b", "95")
	r.quotes.set("coin-c", "1001")

	stats, err := r.evaluator.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Errors != 1 || stats.Filled != 1 || stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	if got, _ := r.orders.GetByID(ctx, a.ID); got.Status != domain.OrderStatusPending {
		t.Fatalf("order on failing instrument = %s", got.Status)
	}
	if got, _ := r.orders.GetByID(ctx, b.ID); got.Status != domain.OrderStatusCompleted {
		t.Fatalf("order b = %s", got.Status)
	}
	if got, _ := r.orders.GetByID(ctx, missing.ID); got.Status != domain.OrderStatusFailed {
		t.Fatalf("sell without holdings = %s", got.Status)
	}
	if bal := r.portfolio(t, "u3").Balance; !bal.Equal(dec("100000")) {
		t.Fatalf("failed sell changed balance to %s", bal)
	}
	if n := r.quotes.calls["coin-b"]; n != 2 {
		t.Fatalf("coin-b priced %d times, want one at placement and one per cycle", n)
	}
}

func TestEvaluatorRaceWithCancel(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.quotes.set("coin-x", "120")

	var orders []domain.Order
	for i := 0; i < 20; i++ {
		orders = append(orders, r.place(t, domain.OrderRequest{
			UserID: "u1", InstrumentID: "coin-x", Side: domain.SideBuy,
			Quantity: dec("1"), Kind: domain.OrderKindLimit, LimitPrice: decPtr("100"),
		}))
	}
	r.quotes.set("coin-x", "90")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = r.evaluator.RunCycle(ctx)
	}()
	cancelled := 0
	for _, o := range orders {
		if err := r.trades.CancelOrder(ctx, "u1", o.ID); err == nil {
			cancelled++
		}
	}
	wg.Wait()

	filled := 0
	for _, o := range orders {
		if got, err := r.orders.GetByID(ctx, o.ID); err == nil && got.Status == domain.OrderStatusCompleted {
			filled++
		}
	}
	if filled+cancelled != len(orders) {
		t.Fatalf("filled %d + cancelled %d != %d", filled, cancelled, len(orders))
	}
	want := dec("100000").Sub(dec("90").Mul(decimal.NewFromInt(int64(filled))))
	if bal := r.portfolio(t, "u1").Balance; !bal.Equal(want) {
		t.Fatalf("balance = %s, want %s", bal, want)
	}
}

func newRunner(r *rig, cooldown *Cooldown) *StrategyRunner {
	reg := strategy.NewRegistry()
	reg.Register(domain.IndicatorPrice, strategy.SourceFunc(r.quotes.Price))
	return NewStrategyRunner(r.strategies, reg, r.trades, cooldown, 4, discardLogger())
}

func addStrategy(t *testing.T, r *rig, st domain.Strategy) domain.Strategy {
	t.Helper()
	st.Active = true
	if st.ID == "" {
		st.ID = "s-" + st.Name
	}
	if err := r.strategies.Create(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestStrategyFiresOnceWhenThresholdCrossed(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.buy(t, "u1", "coin-x", "3", "100")

	st := addStrategy(t, r, domain.Strategy{
		Name: "tp", UserID: "u1", InstrumentID: "coin-x", Side: domain.StrategySideSell,
		Conditions: []domain.Condition{{Indicator: domain.IndicatorPrice, Operator: domain.OpGreater, Value: dec("200")}},
		Actions:    []domain.Action{{Side: domain.SideSell, Quantity: dec("1")}},
	})
	runner := newRunner(r, NewCooldown(time.Hour, nil))

	for _, p := range []string{"150", "199", "200"} {
		r.quotes.set("coin-x", p)
		stats, err := runner.RunCycle(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if stats.Fired != 0 {
			t.Fatalf("fired at %s", p)
		}
	}

	r.quotes.set("coin-x", "201")
	stats, err := runner.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Fired != 1 || stats.Trades != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	got, _ := r.strategies.GetByID(ctx, st.ID)
	if got.Performance.ExecutedTrades != 1 || got.Performance.SuccessfulTrades != 1 {
		t.Fatalf("performance = %+v", got.Performance)
	}
	if !got.Performance.TotalProfit.Equal(dec("101")) {
		t.Fatalf("total profit = %s", got.Performance.TotalProfit)
	}
	if q := r.portfolio(t, "u1").Holdings["coin-x"].Quantity; !q.Equal(dec("2")) {
		t.Fatalf("holding = %s", q)
	}

	stats, _ = runner.RunCycle(ctx)
	if stats.Fired != 0 || stats.Skipped != 1 {
		t.Fatalf("second cycle inside cooldown = %+v", stats)
	}
}

func TestStrategyActionsSkipAndContinue(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.buy(t, "u1", "coin-x", "3", "100")

	st := addStrategy(t, r, domain.Strategy{
		Name: "dump", UserID: "u1", InstrumentID: "coin-x", Side: domain.StrategySideSell,
		Conditions: []domain.Condition{{Indicator: domain.IndicatorPrice, Operator: domain.OpLess, Value: dec("80")}},
		Actions: []domain.Action{
			{Side: domain.SideSell, Quantity: dec("10")},
			{Side: domain.SideSell, Quantity: dec("1")},
		},
	})
	runner := newRunner(r, nil)

	r.quotes.set("coin-x", "70")
	stats, err := runner.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Fired != 1 || stats.Trades != 1 || stats.Errors != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	got, _ := r.strategies.GetByID(ctx, st.ID)
	if got.Performance.ExecutedTrades != 1 || got.Performance.SuccessfulTrades != 0 {
		t.Fatalf("performance = %+v", got.Performance)
	}
}

func TestStrategyMissingIndicatorIsFalse(t *testing.T) {
	r := newRig(t)
	r.quotes.set("coin-x", "100")
	addStrategy(t, r, domain.Strategy{
		Name: "vol", UserID: "u1", InstrumentID: "coin-x", Side: domain.StrategySideBuy,
		Conditions: []domain.Condition{
			{Indicator: domain.IndicatorPrice, Operator: domain.OpGreater, Value: dec("50")},
			{Indicator: domain.IndicatorVolume, Operator: domain.OpGreater, Value: dec("0")},
		},
		Actions: []domain.Action{{Side: domain.SideBuy, Quantity: dec("1")}},
	})
	stats, err := newRunner(r, nil).RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Fired != 0 {
		t.Fatal("a condition on an unwired indicator must evaluate false")
	}
}

func TestStrategySnapshotFailureIsolated(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.quotes.set("coin-b", "10")
	r.quotes.mu.Lock()
	r.quotes.down["coin-a"] = true
	r.quotes.mu.Unlock()

	for _, id := range []string{"coin-a", "coin-b"} {
		addStrategy(t, r, domain.Strategy{
			Name: id, UserID: "u1", InstrumentID: id, Side: domain.StrategySideBuy,
			Conditions: []domain.Condition{{Indicator: domain.IndicatorPrice, Operator: domain.OpLess, Value: dec("50")}},
			Actions:    []domain.Action{{Side: domain.SideBuy, Quantity: dec("1")}},
		})
	}
	stats, err := newRunner(r, nil).RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Errors != 1 || stats.Fired != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestCooldown(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewCooldown(time.Minute, func() time.Time { return now })

	if !c.Claim("s1") {
		t.Fatal("first claim should succeed")
	}
	if c.Claim("s1") {
		t.Fatal("claim inside window should fail")
	}
	if !c.Claim("s2") {
		t.Fatal("other keys are independent")
	}
	now = now.Add(time.Minute)
	if n := c.Cleanup(); n != 2 {
		t.Fatalf("cleanup removed %d", n)
	}
	if !c.Claim("s1") {
		t.Fatal("claim after window should succeed")
	}
}

func TestCooldownMeasuresFromClaimTime(t *testing.T) {
	const interval = 5 * time.Minute
	c := NewCooldown(interval, nil)
	t0 := time.Unix(1_700_000_000, 0)

	if !c.ClaimAt("s1", t0) {
		t.Fatal("first claim should succeed")
	}
	if c.ClaimAt("s1", t0.Add(interval-time.Second)) {
		t.Fatal("claim inside window should fail")
	}
	if !c.ClaimAt("s1", t0.Add(interval)) {
		t.Fatal("claim at the window edge should succeed")
	}
}

func TestStrategyRefiresEachCycleWhileConditionHolds(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.buy(t, "u1", "coin-x", "5", "100")
	addStrategy(t, r, domain.Strategy{
		Name: "trim", UserID: "u1", InstrumentID: "coin-x", Side: domain.StrategySideSell,
		Conditions: []domain.Condition{{Indicator: domain.IndicatorPrice, Operator: domain.OpGreater, Value: dec("150")}},
		Actions:    []domain.Action{{Side: domain.SideSell, Quantity: dec("1")}},
	})

	const interval = 5 * time.Minute
	runner := newRunner(r, NewCooldown(interval/2, nil))
	start := time.Unix(1_700_000_000, 0)
	cycle := 0
	runner.now = func() time.Time { return start.Add(time.Duration(cycle) * interval) }
	r.quotes.set("coin-x", "200")

	for cycle = 0; cycle < 3; cycle++ {
		stats, err := runner.RunCycle(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if stats.Fired != 1 || stats.Skipped != 0 {
			t.Fatalf("cycle %d: stats = %+v", cycle, stats)
		}
	}

	cycle = 2
	stats, _ := runner.RunCycle(ctx)
	if stats.Fired != 0 || stats.Skipped != 1 {
		t.Fatalf("overlapping run in the same cycle = %+v", stats)
	}
	if q := r.portfolio(t, "u1").Holdings["coin-x"].Quantity; !q.Equal(dec("2")) {
		t.Fatalf("holding = %s, want 2", q)
	}
}

func TestTaskReturnsContextError(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.evaluator.Task()(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestEvaluatorUnderScheduler(t *testing.T) {
	r := newRig(t)
	r.buy(t, "u1", "coin-x", "1", "100")
	o := r.place(t, domain.OrderRequest{
		UserID: "u1", InstrumentID: "coin-x", Side: domain.SideSell,
		Quantity: dec("1"), Kind: domain.OrderKindLimit, LimitPrice: decPtr("110"),
	})

	clock := scheduler.NewFakeClock(time.Unix(0, 0))
	job := scheduler.NewPeriodic("trigger", time.Minute, r.evaluator.Task(), discardLogger(), scheduler.WithClock(clock))

	ctx := context.Background()
	if !job.RunOnce(ctx) {
		t.Fatal("cycle with nothing triggered should succeed")
	}
	r.quotes.set("coin-x", "111")
	if !job.RunOnce(ctx) {
		t.Fatal("cycle should succeed")
	}
	if got, _ := r.orders.GetByID(ctx, o.ID); got.Status != domain.OrderStatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}
