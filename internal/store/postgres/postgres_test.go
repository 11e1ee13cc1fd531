package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/papertrade/internal/domain"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{"explicit", ClientConfig{DSN: "postgres://x", Host: "ignored"}, "postgres://x"},
		{"defaults", ClientConfig{User: "u", Password: "p", Host: "db", Database: "paper"},
			"postgres://u:p@db:5432/paper?sslmode=disable"},
		{"tls", ClientConfig{User: "u", Password: "p", Host: "db", Port: 6432, Database: "paper", SSLMode: "require"},
			"postgres://u:p@db:6432/paper?sslmode=require"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Fatalf("DSN = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestListQuery(t *testing.T) {
	since := time.Unix(100, 0)
	q, args := listQuery("SELECT * FROM trades WHERE user_id = $1", []any{"u1"}, "executed_at",
		domain.ListOpts{Since: &since, Limit: 10, Offset: 20})

	want := "SELECT * FROM trades WHERE user_id = $1 AND executed_at >= $2 ORDER BY executed_at DESC LIMIT $3 OFFSET $4"
	if q != want {
		t.Fatalf("query = %q", q)
	}
	if !reflect.DeepEqual(args, []any{"u1", since, 10, 20}) {
		t.Fatalf("args = %v", args)
	}

	q, args = listQuery("SELECT 1 WHERE TRUE", nil, "created_at", domain.ListOpts{})
	if q != "SELECT 1 WHERE TRUE ORDER BY created_at DESC" || len(args) != 0 {
		t.Fatalf("query = %q args = %v", q, args)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) == 0 || names[0] != "001_init.sql" {
		t.Fatalf("migrations = %v", names)
	}
}

type fakeRow []any

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r[i]))
	}
	return nil
}

func TestScanOrderParsesNumericText(t *testing.T) {
	limit := "100.5"
	now := time.Unix(1700000000, 0).UTC()
	row := fakeRow{
		"o1", "u1", "bitcoin", "BTC", "buy", "limit",
		"0.00000001", &limit, (*string)(nil), "100.5",
		"0", "0", "pending", "",
		now, now, (*time.Time)(nil),
	}
	o, err := scanOrder(row)
	if err != nil {
		t.Fatal(err)
	}
	if !o.Quantity.Equal(decimal.New(1, -8)) {
		t.Fatalf("quantity = %s", o.Quantity)
	}
	if o.LimitPrice == nil || o.LimitPrice.String() != "100.5" || o.StopPrice != nil {
		t.Fatalf("limit = %v stop = %v", o.LimitPrice, o.StopPrice)
	}
	if o.Kind != domain.OrderKindLimit || o.Status != domain.OrderStatusPending {
		t.Fatalf("order = %+v", o)
	}
}

func TestScanPortfolioDecodesJSONB(t *testing.T) {
	holdings, _ := json.Marshal(map[string]domain.Holding{
		"bitcoin": {InstrumentID: "bitcoin", InstrumentSymbol: "BTC", Quantity: decimal.RequireFromString("5"), AverageCost: decimal.RequireFromString("100")},
	})
	now := time.Unix(1700000000, 0).UTC()
	p, err := scanPortfolio(fakeRow{"u1", "99500.00", holdings, []byte("[]"), int64(3), now, now})
	if err != nil {
		t.Fatal(err)
	}
	if !p.Balance.Equal(decimal.RequireFromString("99500")) || p.Version != 3 {
		t.Fatalf("portfolio = %+v", p)
	}
	if h := p.Holdings["bitcoin"]; !h.AverageCost.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("holding = %+v", h)
	}
}

// TestStoresAgainstDatabase runs when PAPERTRADE_TEST_POSTGRES_DSN points at
// a disposable database.
func TestStoresAgainstDatabase(t *testing.T) {
	dsn := os.Getenv("PAPERTRADE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PAPERTRADE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{DSN: dsn})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.RunMigrations(ctx); err != nil {
		t.Fatal(err)
	}

	user := "it-" + time.Now().Format("150405.000000")
	portfolios := NewPortfolioStore(c.Pool())
	now := time.Now().UTC()
	p := domain.Portfolio{UserID: user, Balance: decimal.RequireFromString("100000"), CreatedAt: now, UpdatedAt: now}
	if err := portfolios.Create(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := portfolios.Create(ctx, p); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate create err = %v", err)
	}
	got, err := portfolios.Get(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	got.Balance = decimal.RequireFromString("99999.99999999")
	saved, err := portfolios.Save(ctx, got)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Version != got.Version+1 {
		t.Fatalf("version = %d", saved.Version)
	}
	if _, err := portfolios.Save(ctx, got); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("stale save err = %v", err)
	}

	orders := NewOrderStore(c.Pool())
	limit := decimal.RequireFromString("90")
	o := domain.Order{
		ID: user + "-o", UserID: user, InstrumentID: "bitcoin", Side: domain.SideBuy,
		Quantity: decimal.RequireFromString("1"), Kind: domain.OrderKindLimit, LimitPrice: &limit,
		Reserved: limit, Status: domain.OrderStatusPending, CreatedAt: now, UpdatedAt: now,
	}
	if err := orders.Create(ctx, o); err != nil {
		t.Fatal(err)
	}
	if err := orders.Complete(ctx, o.ID, limit, limit, now); err != nil {
		t.Fatal(err)
	}
	if err := orders.Fail(ctx, o.ID, "late", now); !errors.Is(err, domain.ErrOrderNotPending) {
		t.Fatalf("fail after complete err = %v", err)
	}
	if n, err := orders.DeleteBatch(ctx, []string{o.ID}); err != nil || n != 1 {
		t.Fatalf("delete batch = %d, %v", n, err)
	}
}
