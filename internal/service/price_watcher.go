package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/papertrade/internal/domain"
)

// PriceWatcher keeps the set of instruments that connected clients follow
// and re-publishes their prices on every tick. The set starts empty and is
// reference counted: each Watch needs a matching Unwatch.
type PriceWatcher struct {
	prices PriceSource
	events Publisher
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	watched map[string]int
}

// NewPriceWatcher creates an empty watcher.
func NewPriceWatcher(prices PriceSource, events Publisher, logger *slog.Logger) *PriceWatcher {
	return &PriceWatcher{
		prices:  prices,
		events:  events,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With(slog.String("component", "price_watcher")),
		watched: make(map[string]int),
	}
}

// Watch adds one reference to instrumentID.
func (w *PriceWatcher) Watch(instrumentID string) {
	if instrumentID == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[instrumentID]++
}

// Unwatch drops one reference; the instrument leaves the set at zero.
func (w *PriceWatcher) Unwatch(instrumentID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n := w.watched[instrumentID]; n > 1 {
		w.watched[instrumentID] = n - 1
		return
	}
	delete(w.watched, instrumentID)
}

// Watched returns the instruments currently followed, sorted.
func (w *PriceWatcher) Watched() []string {
	w.mu.Lock()
	out := make([]string, 0, len(w.watched))
	for id := range w.watched {
		out = append(out, id)
	}
	w.mu.Unlock()
	sort.Strings(out)
	return out
}

// Tick prices every watched instrument in one batch and publishes a
// price-update per instrument obtained.
func (w *PriceWatcher) Tick(ctx context.Context) error {
	ids := w.Watched()
	if len(ids) == 0 {
		return nil
	}
	prices, err := w.prices.Prices(ctx, ids)
	now := w.now()
	for _, id := range ids {
		p, ok := prices[id]
		if !ok {
			continue
		}
		w.events.Price(ctx, domain.PriceUpdate{
			Type:         domain.EventPriceUpdate,
			InstrumentID: id,
			Price:        p,
			Timestamp:    now,
		})
	}
	if err != nil {
		return fmt.Errorf("price_watcher: %d watched: %w", len(ids), err)
	}
	w.logger.DebugContext(ctx, "prices published", slog.Int("count", len(prices)))
	return nil
}
