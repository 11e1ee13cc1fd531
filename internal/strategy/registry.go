package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/shopspring/decimal"
)

// ErrNoValue is returned by a Source that has no reading for an instrument.
// The indicator is then left out of the snapshot.
var ErrNoValue = errors.New("indicator has no value")

// Source supplies the live value of one indicator for an instrument.
type Source interface {
	Value(ctx context.Context, instrumentID string) (decimal.Decimal, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, instrumentID string) (decimal.Decimal, error)

func (f SourceFunc) Value(ctx context.Context, instrumentID string) (decimal.Decimal, error) {
	return f(ctx, instrumentID)
}

// Registry maps indicators to their sources. It is safe for concurrent use.
type Registry struct {
	sources map[domain.Indicator]Source
	mu      sync.RWMutex
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[domain.Indicator]Source)}
}

// Register wires ind to s, replacing any previous source.
func (r *Registry) Register(ind domain.Indicator, s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[ind] = s
}

// Has reports whether ind has a source.
func (r *Registry) Has(ind domain.Indicator) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sources[ind]
	return ok
}

// List returns the wired indicators in sorted order.
func (r *Registry) List() []domain.Indicator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Indicator, 0, len(r.sources))
	for ind := range r.sources {
		out = append(out, ind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot reads each requested indicator for instrumentID. Indicators
// without a source or without a value (ErrNoValue) are left out of the
// snapshot. Any other failing source is an error: the caller cannot tell a
// false condition from a missing feed.
func (r *Registry) Snapshot(ctx context.Context, instrumentID string, want []domain.Indicator) (domain.MarketSnapshot, error) {
	snap := make(domain.MarketSnapshot, len(want))
	for _, ind := range want {
		r.mu.RLock()
		src, ok := r.sources[ind]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		v, err := src.Value(ctx, instrumentID)
		if errors.Is(err, ErrNoValue) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("strategy: indicator %s for %s: %w", ind, instrumentID, err)
		}
		snap[ind] = v
	}
	return snap, nil
}
