package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// QuoteCache implements domain.QuoteCache using Redis hashes.
// Each quote is stored at key "quote:{instrumentID}" with fields "price"
// (decimal string) and "ts" (Unix nanoseconds). Redis expires the key.
type QuoteCache struct {
	rdb *redis.Client
}

// NewQuoteCache creates a QuoteCache backed by the given Client.
func NewQuoteCache(c *Client) *QuoteCache {
	return &QuoteCache{rdb: c.Underlying()}
}

func quoteKey(instrumentID string) string {
	return "quote:" + instrumentID
}

// Set stores the quote and schedules its expiry.
func (qc *QuoteCache) Set(ctx context.Context, q domain.Quote, ttl time.Duration) error {
	key := quoteKey(q.InstrumentID)
	pipe := qc.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"price": q.Price.String(),
		"ts":    strconv.FormatInt(q.FetchedAt.UnixNano(), 10),
	})
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.InstrumentID, err)
	}
	return nil
}

// Get returns domain.ErrNotFound when the key is absent or expired.
func (qc *QuoteCache) Get(ctx context.Context, instrumentID string) (domain.Quote, error) {
	vals, err := qc.rdb.HGetAll(ctx, quoteKey(instrumentID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Quote{}, domain.ErrNotFound
		}
		return domain.Quote{}, fmt.Errorf("redis: get quote %s: %w", instrumentID, err)
	}
	priceStr, ok := vals["price"]
	if !ok {
		return domain.Quote{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse quote price %s: %w", instrumentID, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse quote ts %s: %w", instrumentID, err)
	}
	return domain.Quote{
		InstrumentID: instrumentID,
		Price:        price,
		FetchedAt:    time.Unix(0, tsNano),
	}, nil
}

// Compile-time interface check.
var _ domain.QuoteCache = (*QuoteCache)(nil)
