// Package memory implements the domain store interfaces in process memory.
// It backs the "memory" storage mode and the service tests; data does not
// survive a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/shopspring/decimal"
)

// PortfolioStore implements domain.PortfolioStore.
type PortfolioStore struct {
	mu   sync.RWMutex
	data map[string]domain.Portfolio
}

// NewPortfolioStore returns an empty PortfolioStore.
func NewPortfolioStore() *PortfolioStore {
	return &PortfolioStore{data: make(map[string]domain.Portfolio)}
}

func (s *PortfolioStore) Create(_ context.Context, p domain.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[p.UserID]; ok {
		return domain.ErrAlreadyExists
	}
	if p.Version == 0 {
		p.Version = 1
	}
	s.data[p.UserID] = p.Clone()
	return nil
}

func (s *PortfolioStore) Get(_ context.Context, userID string) (domain.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data[userID]
	if !ok {
		return domain.Portfolio{}, domain.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *PortfolioStore) Save(_ context.Context, p domain.Portfolio) (domain.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.data[p.UserID]
	if !ok {
		return domain.Portfolio{}, domain.ErrNotFound
	}
	if cur.Version != p.Version {
		return domain.Portfolio{}, domain.ErrConflict
	}
	p.Version++
	s.data[p.UserID] = p.Clone()
	return p.Clone(), nil
}

// OrderStore implements domain.OrderStore.
type OrderStore struct {
	mu   sync.RWMutex
	data map[string]domain.Order
}

// NewOrderStore returns an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{data: make(map[string]domain.Order)}
}

func (s *OrderStore) Create(_ context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[o.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.data[o.ID] = o
	return nil
}

func (s *OrderStore) GetByID(_ context.Context, id string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.data[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *OrderStore) Complete(_ context.Context, id string, price, total decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.data[id]
	if !ok {
		return domain.ErrNotFound
	}
	if o.Status != domain.OrderStatusPending {
		return domain.ErrOrderNotPending
	}
	o.Status = domain.OrderStatusCompleted
	o.ExecutionPrice = price
	o.Total = total
	o.UpdatedAt = at
	o.ExecutedAt = &at
	s.data[id] = o
	return nil
}

func (s *OrderStore) Fail(_ context.Context, id string, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.data[id]
	if !ok {
		return domain.ErrNotFound
	}
	if o.Status != domain.OrderStatusPending {
		return domain.ErrOrderNotPending
	}
	o.Status = domain.OrderStatusFailed
	o.FailureReason = reason
	o.UpdatedAt = at
	s.data[id] = o
	return nil
}

func (s *OrderStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.data, id)
	return nil
}

func (s *OrderStore) ListPending(_ context.Context) ([]domain.Order, error) {
	return s.filter(func(o domain.Order) bool { return o.Status == domain.OrderStatusPending }, oldestFirst), nil
}

func (s *OrderStore) ListPendingByUser(_ context.Context, userID string) ([]domain.Order, error) {
	return s.filter(func(o domain.Order) bool {
		return o.UserID == userID && o.Status == domain.OrderStatusPending
	}, newestFirst), nil
}

func (s *OrderStore) ListHistoryByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.Order, error) {
	out := s.filter(func(o domain.Order) bool {
		return o.UserID == userID && o.Status != domain.OrderStatusPending && inRange(o.CreatedAt, opts)
	}, newestFirst)
	return paginate(out, opts), nil
}

func (s *OrderStore) ListTerminalBefore(_ context.Context, t time.Time, limit int) ([]domain.Order, error) {
	out := s.filter(func(o domain.Order) bool {
		return o.Status != domain.OrderStatusPending && o.UpdatedAt.Before(t)
	}, oldestFirst)
	return paginate(out, domain.ListOpts{Limit: limit}), nil
}

func (s *OrderStore) DeleteBatch(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if o, ok := s.data[id]; ok && o.Status != domain.OrderStatusPending {
			delete(s.data, id)
			n++
		}
	}
	return n, nil
}

const (
	oldestFirst = false
	newestFirst = true
)

func (s *OrderStore) filter(keep func(domain.Order) bool, desc bool) []domain.Order {
	s.mu.RLock()
	out := make([]domain.Order, 0)
	for _, o := range s.data {
		if keep(o) {
			out = append(out, o)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		if desc {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// StrategyStore implements domain.StrategyStore.
type StrategyStore struct {
	mu   sync.RWMutex
	data map[string]domain.Strategy
}

// NewStrategyStore returns an empty StrategyStore.
func NewStrategyStore() *StrategyStore {
	return &StrategyStore{data: make(map[string]domain.Strategy)}
}

func (s *StrategyStore) Create(_ context.Context, st domain.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[st.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.data[st.ID] = cloneStrategy(st)
	return nil
}

func (s *StrategyStore) Update(_ context.Context, st domain.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.data[st.ID]
	if !ok {
		return domain.ErrNotFound
	}
	// Performance is owned by RecordExecution.
	st.Performance = cur.Performance
	st.LastFiredAt = cur.LastFiredAt
	s.data[st.ID] = cloneStrategy(st)
	return nil
}

func (s *StrategyStore) GetByID(_ context.Context, id string) (domain.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.data[id]
	if !ok {
		return domain.Strategy{}, domain.ErrNotFound
	}
	return cloneStrategy(st), nil
}

func (s *StrategyStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.data, id)
	return nil
}

func (s *StrategyStore) ListByUser(_ context.Context, userID string) ([]domain.Strategy, error) {
	return s.filter(func(st domain.Strategy) bool { return st.UserID == userID }), nil
}

func (s *StrategyStore) ListActive(_ context.Context) ([]domain.Strategy, error) {
	return s.filter(func(st domain.Strategy) bool { return st.Active }), nil
}

func (s *StrategyStore) RecordExecution(_ context.Context, id string, successful bool, profit decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.data[id]
	if !ok {
		return domain.ErrNotFound
	}
	st.Performance.ExecutedTrades++
	if successful {
		st.Performance.SuccessfulTrades++
	}
	st.Performance.TotalProfit = st.Performance.TotalProfit.Add(profit)
	st.LastFiredAt = &at
	s.data[id] = st
	return nil
}

func (s *StrategyStore) filter(keep func(domain.Strategy) bool) []domain.Strategy {
	s.mu.RLock()
	out := make([]domain.Strategy, 0)
	for _, st := range s.data {
		if keep(st) {
			out = append(out, cloneStrategy(st))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func cloneStrategy(st domain.Strategy) domain.Strategy {
	st.Conditions = append([]domain.Condition(nil), st.Conditions...)
	st.Actions = append([]domain.Action(nil), st.Actions...)
	return st
}

// TradeStore implements domain.TradeStore.
type TradeStore struct {
	mu     sync.RWMutex
	trades []domain.Trade
}

// NewTradeStore returns an empty TradeStore.
func NewTradeStore() *TradeStore {
	return &TradeStore{}
}

func (s *TradeStore) Insert(_ context.Context, t domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, t)
	return nil
}

func (s *TradeStore) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.Trade, error) {
	return paginate(s.filter(func(t domain.Trade) bool {
		return t.UserID == userID && inRange(t.ExecutedAt, opts)
	}), opts), nil
}

func (s *TradeStore) ListByStrategy(_ context.Context, strategyID string, opts domain.ListOpts) ([]domain.Trade, error) {
	return paginate(s.filter(func(t domain.Trade) bool {
		return t.StrategyID == strategyID && inRange(t.ExecutedAt, opts)
	}), opts), nil
}

func (s *TradeStore) ListBefore(_ context.Context, before time.Time, limit int) ([]domain.Trade, error) {
	out := s.filter(func(t domain.Trade) bool { return t.ExecutedAt.Before(before) })
	// Oldest first for archival.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return paginate(out, domain.ListOpts{Limit: limit}), nil
}

func (s *TradeStore) DeleteBatch(_ context.Context, ids []string) (int64, error) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.trades[:0]
	var n int64
	for _, t := range s.trades {
		if drop[t.ID] {
			n++
			continue
		}
		kept = append(kept, t)
	}
	s.trades = kept
	return n, nil
}

// filter returns matches newest first.
func (s *TradeStore) filter(keep func(domain.Trade) bool) []domain.Trade {
	s.mu.RLock()
	out := make([]domain.Trade, 0)
	for _, t := range s.trades {
		if keep(t) {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExecutedAt.After(out[j].ExecutedAt) })
	return out
}

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	nextID  int64
}

// NewAuditStore returns an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        s.nextID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	out := make([]domain.AuditEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		if inRange(s.entries[i].CreatedAt, opts) {
			out = append(out, s.entries[i])
		}
	}
	s.mu.RUnlock()
	return paginate(out, opts), nil
}

func inRange(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && !t.Before(*opts.Until) {
		return false
	}
	return true
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return items[:0]
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

// Compile-time interface checks.
var (
	_ domain.PortfolioStore = (*PortfolioStore)(nil)
	_ domain.OrderStore     = (*OrderStore)(nil)
	_ domain.StrategyStore  = (*StrategyStore)(nil)
	_ domain.TradeStore     = (*TradeStore)(nil)
	_ domain.AuditStore     = (*AuditStore)(nil)
)
