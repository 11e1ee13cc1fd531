package memory

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-key token bucket for single-process deployments.
// Each key gets limit tokens refilled evenly over window.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	// defaults used by Wait
	limit  int
	window time.Duration
}

// NewRateLimiter returns a RateLimiter whose Wait allows limit calls per
// window for each key.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{limiters: make(map[string]*rate.Limiter), limit: limit, window: window}
}

func (r *RateLimiter) get(key string, limit int, window time.Duration) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), limit)
		r.limiters[key] = l
	}
	return l
}

// Allow reports whether one more call under key fits the budget.
func (r *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	return r.get(key, limit, window).Allow(), nil
}

// Wait blocks until key has a token under the default budget.
func (r *RateLimiter) Wait(ctx context.Context, key string) error {
	return r.get(key, r.limit, r.window).Wait(ctx)
}
