// Package oracle serves instrument prices to the ledger engines. Quotes are
// cached for a short TTL, concurrent misses for one instrument share a single
// upstream call, and rate-limited upstream calls are retried with
// exponential backoff and jitter. A failed fetch is always an error; the
// oracle never answers with a zero or stale price.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/alanyoungcy/papertrade/internal/platform/coingecko"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// Upstream is the market-data provider.
type Upstream interface {
	SimplePrice(ctx context.Context, ids []string) (map[string]decimal.Decimal, error)
	SimpleStats(ctx context.Context, ids []string) (map[string]domain.CoinStats, error)
	Markets(ctx context.Context, page, perPage int) ([]domain.MarketCoin, error)
	Coin(ctx context.Context, id string) (domain.CoinDetails, error)
	Search(ctx context.Context, query string) ([]domain.SearchCoin, error)
	Trending(ctx context.Context) ([]domain.SearchCoin, error)
}

// Throttle paces upstream calls. *rate.Limiter satisfies it.
type Throttle interface {
	Wait(ctx context.Context) error
}

// Config holds oracle parameters.
type Config struct {
	TTL            time.Duration
	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig returns the reference cadence: 60s TTL, three retries.
func DefaultConfig() Config {
	return Config{
		TTL:            60 * time.Second,
		MaxRetries:     3,
		BaseBackoff:    time.Second,
		MaxBackoff:     30 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// Oracle is the price oracle adapter.
type Oracle struct {
	up       Upstream
	cfg      Config
	quotes   *ttlCache[decimal.Decimal]
	shared   domain.QuoteCache
	throttle Throttle
	group    singleflight.Group

	stats    *ttlCache[domain.CoinStats]
	markets  *ttlCache[[]domain.MarketCoin]
	details  *ttlCache[domain.CoinDetails]
	searches *ttlCache[[]domain.SearchCoin]

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
	logger *slog.Logger
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithSharedCache adds a cross-process cache tier consulted after the local
// one.
func WithSharedCache(c domain.QuoteCache) Option {
	return func(o *Oracle) { o.shared = c }
}

// WithThrottle paces every upstream attempt through t.
func WithThrottle(t Throttle) Option {
	return func(o *Oracle) { o.throttle = t }
}

// WithClock overrides the time source and the backoff sleeper.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Oracle) {
		if now != nil {
			o.now = now
		}
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// New creates an Oracle over up.
func New(up Upstream, cfg Config, logger *slog.Logger, opts ...Option) *Oracle {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	o := &Oracle{
		up:       up,
		cfg:      cfg,
		quotes:   newTTLCache[decimal.Decimal](cfg.TTL),
		stats:    newTTLCache[domain.CoinStats](cfg.TTL),
		markets:  newTTLCache[[]domain.MarketCoin](cfg.TTL),
		details:  newTTLCache[domain.CoinDetails](cfg.TTL),
		searches: newTTLCache[[]domain.SearchCoin](cfg.TTL),
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
		jitter:   rand.Float64,
		logger:   logger.With(slog.String("component", "oracle")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Price returns the current price of instrumentID.
func (o *Oracle) Price(ctx context.Context, instrumentID string) (decimal.Decimal, error) {
	if p, ok := o.cached(ctx, instrumentID); ok {
		return p, nil
	}

	v, err := o.share(ctx, instrumentID, func(ctx context.Context) (any, error) {
		// Another caller may have filled the cache while we queued.
		if p, _, ok := o.quotes.get(instrumentID, o.now()); ok {
			return p, nil
		}
		prices, err := o.fetchPrices(ctx, []string{instrumentID})
		if err != nil {
			return nil, err
		}
		p, ok := prices[instrumentID]
		if !ok {
			return nil, fmt.Errorf("no quote for %s", instrumentID)
		}
		return p, nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: price %s: %w: %w", instrumentID, domain.ErrPriceUnavailable, err)
	}
	return v.(decimal.Decimal), nil
}

// Prices returns the prices it could obtain for ids, fetching every cache
// miss in one batched upstream call. The error is non-nil when that call
// failed; instruments served from cache are still returned.
func (o *Oracle) Prices(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(ids))
	var misses []string
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if p, ok := o.cached(ctx, id); ok {
			out[id] = p
			continue
		}
		misses = append(misses, id)
	}
	if len(misses) == 0 {
		return out, nil
	}
	sort.Strings(misses)

	v, err := o.share(ctx, "batch:"+strings.Join(misses, ","), func(ctx context.Context) (any, error) {
		return o.fetchPrices(ctx, misses)
	})
	if err != nil {
		return out, fmt.Errorf("oracle: prices: %w: %w", domain.ErrPriceUnavailable, err)
	}
	for id, p := range v.(map[string]decimal.Decimal) {
		out[id] = p
	}
	return out, nil
}

// Stats returns the price and market figures of instrumentID. The price
// also refreshes the quote cache.
func (o *Oracle) Stats(ctx context.Context, instrumentID string) (domain.CoinStats, error) {
	if v, _, ok := o.stats.get(instrumentID, o.now()); ok {
		return v, nil
	}
	v, err := o.share(ctx, "stats:"+instrumentID, func(ctx context.Context) (any, error) {
		var raw map[string]domain.CoinStats
		err := o.withRetry(ctx, "simple_stats", func(ctx context.Context) error {
			var err error
			raw, err = o.up.SimpleStats(ctx, []string{instrumentID})
			return err
		})
		if err != nil {
			return nil, err
		}
		st, ok := raw[instrumentID]
		if !ok || !st.Price.IsPositive() {
			return nil, fmt.Errorf("no quote for %s", instrumentID)
		}
		now := o.now()
		o.stats.set(instrumentID, st, now)
		o.store(ctx, instrumentID, st.Price, now)
		return st, nil
	})
	if err != nil {
		return domain.CoinStats{}, fmt.Errorf("oracle: stats %s: %w: %w", instrumentID, domain.ErrPriceUnavailable, err)
	}
	return v.(domain.CoinStats), nil
}

// share runs fn once per key for all concurrent callers. The flight does
// not inherit any one caller's cancellation, only its values; the
// per-attempt timeout in withRetry still bounds it. Each caller stops
// waiting when its own ctx ends.
func (o *Oracle) share(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	flight := context.WithoutCancel(ctx)
	ch := o.group.DoChan(key, func() (any, error) { return fn(flight) })
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Markets returns one page of the market listing.
func (o *Oracle) Markets(ctx context.Context, page, perPage int) ([]domain.MarketCoin, error) {
	key := strconv.Itoa(page) + ":" + strconv.Itoa(perPage)
	if v, _, ok := o.markets.get(key, o.now()); ok {
		return v, nil
	}
	var coins []domain.MarketCoin
	err := o.withRetry(ctx, "markets", func(ctx context.Context) error {
		var err error
		coins, err = o.up.Markets(ctx, page, perPage)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("oracle: markets: %w", err)
	}
	now := o.now()
	o.markets.set(key, coins, now)
	// A listing is a batch of fresh quotes too.
	for _, c := range coins {
		if c.CurrentPrice.IsPositive() {
			o.store(ctx, c.ID, c.CurrentPrice, now)
		}
	}
	return coins, nil
}

// Coin returns the upstream detail document for id.
func (o *Oracle) Coin(ctx context.Context, id string) (domain.CoinDetails, error) {
	if v, _, ok := o.details.get(id, o.now()); ok {
		return v, nil
	}
	var doc domain.CoinDetails
	err := o.withRetry(ctx, "coin", func(ctx context.Context) error {
		var err error
		doc, err = o.up.Coin(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("oracle: coin %s: %w", id, err)
	}
	o.details.set(id, doc, o.now())
	return doc, nil
}

// Search returns coins matching query.
func (o *Oracle) Search(ctx context.Context, query string) ([]domain.SearchCoin, error) {
	key := "q:" + strings.ToLower(strings.TrimSpace(query))
	if v, _, ok := o.searches.get(key, o.now()); ok {
		return v, nil
	}
	var hits []domain.SearchCoin
	err := o.withRetry(ctx, "search", func(ctx context.Context) error {
		var err error
		hits, err = o.up.Search(ctx, query)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("oracle: search: %w", err)
	}
	o.searches.set(key, hits, o.now())
	return hits, nil
}

// Trending returns the upstream trending coins.
func (o *Oracle) Trending(ctx context.Context) ([]domain.SearchCoin, error) {
	const key = "trending"
	if v, _, ok := o.searches.get(key, o.now()); ok {
		return v, nil
	}
	var hits []domain.SearchCoin
	err := o.withRetry(ctx, "trending", func(ctx context.Context) error {
		var err error
		hits, err = o.up.Trending(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("oracle: trending: %w", err)
	}
	o.searches.set(key, hits, o.now())
	return hits, nil
}

// Sweep drops expired local entries. Returns how many were dropped.
func (o *Oracle) Sweep(context.Context) int {
	now := o.now()
	return o.quotes.sweep(now) + o.stats.sweep(now) + o.markets.sweep(now) + o.details.sweep(now) + o.searches.sweep(now)
}

func (o *Oracle) cached(ctx context.Context, id string) (decimal.Decimal, bool) {
	now := o.now()
	if p, _, ok := o.quotes.get(id, now); ok {
		return p, true
	}
	if o.shared == nil {
		return decimal.Zero, false
	}
	q, err := o.shared.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			o.logger.WarnContext(ctx, "shared quote cache read failed",
				slog.String("coin_id", id),
				slog.String("error", err.Error()),
			)
		}
		return decimal.Zero, false
	}
	if !q.Fresh(now, o.cfg.TTL) || !q.Price.IsPositive() {
		return decimal.Zero, false
	}
	o.quotes.set(id, q.Price, q.FetchedAt)
	return q.Price, true
}

func (o *Oracle) store(ctx context.Context, id string, p decimal.Decimal, at time.Time) {
	o.quotes.set(id, p, at)
	if o.shared == nil {
		return
	}
	remaining := o.cfg.TTL - o.now().Sub(at)
	if remaining <= 0 {
		return
	}
	if err := o.shared.Set(ctx, domain.Quote{InstrumentID: id, Price: p, FetchedAt: at}, remaining); err != nil {
		o.logger.WarnContext(ctx, "shared quote cache write failed",
			slog.String("coin_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// fetchPrices calls the upstream for ids and caches every positive quote.
// Non-positive quotes are dropped so they can never reach the ledger.
func (o *Oracle) fetchPrices(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	var raw map[string]decimal.Decimal
	err := o.withRetry(ctx, "simple_price", func(ctx context.Context) error {
		var err error
		raw, err = o.up.SimplePrice(ctx, ids)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := o.now()
	out := make(map[string]decimal.Decimal, len(raw))
	for id, p := range raw {
		if !p.IsPositive() {
			o.logger.WarnContext(ctx, "upstream returned non-positive price",
				slog.String("coin_id", id),
				slog.String("price", p.String()),
			)
			continue
		}
		o.store(ctx, id, p, now)
		out[id] = p
	}
	return out, nil
}

// withRetry runs fn with a per-attempt timeout, retrying rate-limited
// attempts up to MaxRetries times.
func (o *Oracle) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if o.throttle != nil {
			if werr := o.throttle.Wait(ctx); werr != nil {
				return fmt.Errorf("throttle: %w", werr)
			}
		}

		actx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
		err = fn(actx)
		cancel()
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrRateLimited) || attempt >= o.cfg.MaxRetries {
			return err
		}

		delay := o.backoff(attempt, err)
		o.logger.WarnContext(ctx, "upstream rate limited, backing off",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
		)
		if serr := o.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("%w (gave up waiting: %v)", err, serr)
		}
	}
}

// backoff is BaseBackoff*2^attempt capped at MaxBackoff, plus up to 50%
// jitter. A longer Retry-After from the upstream wins, within MaxBackoff.
func (o *Oracle) backoff(attempt int, err error) time.Duration {
	d := o.cfg.BaseBackoff << attempt
	if d <= 0 || d > o.cfg.MaxBackoff {
		d = o.cfg.MaxBackoff
	}
	d += time.Duration(o.jitter() * float64(d) / 2)

	var se *coingecko.StatusError
	if errors.As(err, &se) && se.RetryAfter > d {
		d = se.RetryAfter
	}
	if d > o.cfg.MaxBackoff {
		d = o.cfg.MaxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
