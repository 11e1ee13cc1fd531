package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/alanyoungcy/papertrade/internal/store/memory"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger(t *testing.T, balance string) (*Ledger, *memory.PortfolioStore) {
	t.Helper()
	store := memory.NewPortfolioStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := New(store, nil, Config{StartingBalance: d(balance)}, logger)
	l.WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) })
	return l, store
}

func apply(t *testing.T, l *Ledger, f domain.Fill) (domain.Trade, error) {
	t.Helper()
	var trade domain.Trade
	_, err := l.Do(context.Background(), f.UserID, func(tx *Tx) error {
		var err error
		trade, err = tx.ApplyTrade(f)
		return err
	})
	return trade, err
}

func fill(side domain.Side, qty, price string) domain.Fill {
	return domain.Fill{
		UserID:           "u1",
		InstrumentID:     "x",
		InstrumentSymbol: "X",
		Side:             side,
		Quantity:         d(qty),
		Price:            d(price),
	}
}

func TestScenarioBuyBuySell(t *testing.T) {
	l, _ := newTestLedger(t, "100000")
	ctx := context.Background()

	if _, err := apply(t, l, fill(domain.SideBuy, "2", "100")); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	p, _ := l.Get(ctx, "u1")
	if !p.Balance.Equal(d("99800")) {
		t.Fatalf("balance = %s, want 99800", p.Balance)
	}
	if h := p.Holdings["x"]; !h.Quantity.Equal(d("2")) || !h.AverageCost.Equal(d("100")) {
		t.Fatalf("holding = %+v", h)
	}

	if _, err := apply(t, l, fill(domain.SideBuy, "1", "130")); err != nil {
		t.Fatalf("second buy: %v", err)
	}
	p, _ = l.Get(ctx, "u1")
	if h := p.Holdings["x"]; !h.Quantity.Equal(d("3")) || !h.AverageCost.Equal(d("110")) {
		t.Fatalf("holding after second buy = %s @ %s, want 3 @ 110", h.Quantity, h.AverageCost)
	}
	before := p.Balance

	trade, err := apply(t, l, fill(domain.SideSell, "1", "150"))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	p, _ = l.Get(ctx, "u1")
	if got := p.Balance.Sub(before); !got.Equal(d("150")) {
		t.Fatalf("balance delta = %s, want 150", got)
	}
	if h := p.Holdings["x"]; !h.Quantity.Equal(d("2")) || !h.AverageCost.Equal(d("110")) {
		t.Fatalf("holding after sell = %s @ %s, want 2 @ 110", h.Quantity, h.AverageCost)
	}
	if trade.Profit == nil || !trade.Profit.Equal(d("40")) {
		t.Fatalf("realized profit = %v, want 40", trade.Profit)
	}
	if len(p.History) != 3 || p.History[0].Side != domain.SideSell {
		t.Fatalf("history = %+v, want 3 entries most recent first", p.History)
	}
}

func TestInsufficientFundsLeavesPortfolioUnchanged(t *testing.T) {
	l, _ := newTestLedger(t, "100")
	ctx := context.Background()
	before, _ := l.Get(ctx, "u1")

	_, err := apply(t, l, fill(domain.SideBuy, "2", "50.01"))
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("error = %v, want ErrInsufficientFunds", err)
	}
	after, _ := l.Get(ctx, "u1")
	if !after.Balance.Equal(before.Balance) || len(after.Holdings) != 0 || len(after.History) != 0 {
		t.Fatalf("portfolio changed: %+v", after)
	}
	if after.Version != before.Version {
		t.Fatalf("version bumped on failed trade: %d -> %d", before.Version, after.Version)
	}
}

func TestInsufficientHoldings(t *testing.T) {
	l, _ := newTestLedger(t, "1000")
	ctx := context.Background()

	if _, err := apply(t, l, fill(domain.SideSell, "1", "10")); !errors.Is(err, domain.ErrInsufficientHoldings) {
		t.Fatalf("sell with no holding: error = %v", err)
	}
	if _, err := apply(t, l, fill(domain.SideBuy, "1", "10")); err != nil {
		t.Fatal(err)
	}
	before, _ := l.Get(ctx, "u1")
	if _, err := apply(t, l, fill(domain.SideSell, "1.00000001", "10")); !errors.Is(err, domain.ErrInsufficientHoldings) {
		t.Fatalf("oversell: error = %v", err)
	}
	after, _ := l.Get(ctx, "u1")
	if !after.Balance.Equal(before.Balance) || !after.Holdings["x"].Quantity.Equal(d("1")) {
		t.Fatalf("portfolio changed after failed sell: %+v", after)
	}
}

func TestSellRemovesDustHolding(t *testing.T) {
	l, _ := newTestLedger(t, "1000")
	ctx := context.Background()
	if _, err := apply(t, l, fill(domain.SideBuy, "1.000000005", "10")); err != nil {
		t.Fatal(err)
	}
	if _, err := apply(t, l, fill(domain.SideSell, "1", "10")); err != nil {
		t.Fatal(err)
	}
	p, _ := l.Get(ctx, "u1")
	if _, ok := p.Holdings["x"]; ok {
		t.Fatalf("holding with residue %s should be removed", p.Holdings["x"].Quantity)
	}
}

func TestHistoryCappedAtLimit(t *testing.T) {
	l, _ := newTestLedger(t, "100000")
	ctx := context.Background()
	for i := 0; i < domain.HistoryLimit+5; i++ {
		if _, err := apply(t, l, fill(domain.SideBuy, "1", "1")); err != nil {
			t.Fatal(err)
		}
	}
	p, _ := l.Get(ctx, "u1")
	if len(p.History) != domain.HistoryLimit {
		t.Fatalf("history length = %d, want %d", len(p.History), domain.HistoryLimit)
	}
}

func TestReservationConsumedAndRefunded(t *testing.T) {
	l, _ := newTestLedger(t, "1000")
	ctx := context.Background()

	// Reserve 10 @ 50 for a limit buy.
	if _, err := l.Do(ctx, "u1", func(tx *Tx) error { return tx.Reserve(d("500")) }); err != nil {
		t.Fatal(err)
	}
	p, _ := l.Get(ctx, "u1")
	if !p.Balance.Equal(d("500")) {
		t.Fatalf("balance after reserve = %s", p.Balance)
	}

	// Fills cheaper at 45: the 50 difference comes back.
	f := fill(domain.SideBuy, "10", "45")
	f.Reserved = d("500")
	if _, err := apply(t, l, f); err != nil {
		t.Fatal(err)
	}
	p, _ = l.Get(ctx, "u1")
	if !p.Balance.Equal(d("550")) {
		t.Fatalf("balance after fill = %s, want 550", p.Balance)
	}

	// A reservation covers the buy even when free balance would not.
	if _, err := l.Do(ctx, "u1", func(tx *Tx) error { return tx.Reserve(d("550")) }); err != nil {
		t.Fatal(err)
	}
	f = fill(domain.SideBuy, "11", "50")
	f.Reserved = d("550")
	if _, err := apply(t, l, f); err != nil {
		t.Fatalf("reserved buy: %v", err)
	}
	p, _ = l.Get(ctx, "u1")
	if !p.Balance.IsZero() {
		t.Fatalf("balance = %s, want 0", p.Balance)
	}
}

func TestReserveInsufficient(t *testing.T) {
	l, _ := newTestLedger(t, "10")
	_, err := l.Do(context.Background(), "u1", func(tx *Tx) error { return tx.Reserve(d("11")) })
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("error = %v", err)
	}
}

func TestCommitHooksRunAfterSave(t *testing.T) {
	l, store := newTestLedger(t, "100")
	ctx := context.Background()
	var seen decimal.Decimal
	_, err := l.Do(ctx, "u1", func(tx *Tx) error {
		if _, err := tx.ApplyTrade(fill(domain.SideBuy, "1", "10")); err != nil {
			return err
		}
		tx.OnCommit(func(ctx context.Context) error {
			p, err := store.Get(ctx, "u1")
			seen = p.Balance
			return err
		})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !seen.Equal(d("90")) {
		t.Fatalf("hook saw balance %s, want 90", seen)
	}
}

func TestFailedCommitHookRestoresPortfolio(t *testing.T) {
	l, store := newTestLedger(t, "100")
	ctx := context.Background()
	down := errors.New("down")
	var undone []string
	_, err := l.Do(ctx, "u1", func(tx *Tx) error {
		if _, err := tx.ApplyTrade(fill(domain.SideBuy, "1", "10")); err != nil {
			return err
		}
		tx.OnCommitReversible(func(context.Context) error { return nil },
			func(context.Context) error { undone = append(undone, "first"); return nil })
		tx.OnCommitReversible(func(context.Context) error { return nil },
			func(context.Context) error { undone = append(undone, "second"); return nil })
		tx.OnCommit(func(context.Context) error { return down })
		return nil
	})
	if !errors.Is(err, domain.ErrInternal) || !errors.Is(err, down) {
		t.Fatalf("err = %v", err)
	}
	if len(undone) != 2 || undone[0] != "second" || undone[1] != "first" {
		t.Fatalf("undo order = %v", undone)
	}
	p, _ := store.Get(ctx, "u1")
	if !p.Balance.Equal(d("100")) || len(p.Holdings) != 0 || len(p.History) != 0 {
		t.Fatalf("portfolio not restored: %+v", p)
	}

	if _, err := apply(t, l, fill(domain.SideBuy, "1", "10")); err != nil {
		t.Fatalf("trade after rollback: %v", err)
	}
	p, _ = store.Get(ctx, "u1")
	if !p.Balance.Equal(d("90")) {
		t.Fatalf("balance = %s, want 90", p.Balance)
	}
}

func TestConcurrentTradesSerialisePerUser(t *testing.T) {
	l, _ := newTestLedger(t, "100000")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := apply(t, l, fill(domain.SideBuy, "1", "100")); err != nil {
				t.Errorf("buy: %v", err)
			}
		}()
	}
	wg.Wait()

	p, _ := l.Get(ctx, "u1")
	if !p.Balance.Equal(d("95000")) {
		t.Fatalf("balance = %s, want 95000", p.Balance)
	}
	if !p.Holdings["x"].Quantity.Equal(d("50")) {
		t.Fatalf("quantity = %s, want 50", p.Holdings["x"].Quantity)
	}
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	km := NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := km.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second lock error = %v, want deadline exceeded", err)
	}
	unlock()
	unlock2, err := km.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	unlock2()
	if n := len(km.entries); n != 0 {
		t.Fatalf("entries leaked: %d", n)
	}
}

type fakeLockManager struct {
	mu   sync.Mutex
	held map[string]bool
}

func (f *fakeLockManager) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	f.held[key] = true
	return func() {
		f.mu.Lock()
		delete(f.held, key)
		f.mu.Unlock()
	}, nil
}

func TestDistributedLockerWaitsForRemoteHolder(t *testing.T) {
	lm := &fakeLockManager{held: map[string]bool{}}
	remote, _ := lm.Acquire(context.Background(), "k", time.Second)

	dl := NewDistributedLocker(lm, time.Second, time.Millisecond)
	done := make(chan struct{})
	go func() {
		unlock, err := dl.Lock(context.Background(), "k")
		if err != nil {
			t.Errorf("lock: %v", err)
		} else {
			unlock()
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("acquired while held remotely")
	case <-time.After(20 * time.Millisecond):
	}
	remote()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock not acquired after remote release")
	}
}
