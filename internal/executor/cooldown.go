package executor

import (
	"sync"
	"time"
)

// Cooldown suppresses a key that fired less than ttl ago. The strategy
// runner uses it so overlapping cycles (a slow cycle plus a manual run, or
// two workers) cannot fire the same strategy twice for one observation.
// ttl must stay below the runner interval or regular cycles get skipped.
// It is safe for concurrent use.
type Cooldown struct {
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewCooldown creates a Cooldown with the given window.
func NewCooldown(ttl time.Duration, now func() time.Time) *Cooldown {
	if now == nil {
		now = time.Now
	}
	return &Cooldown{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  now,
	}
}

// Claim records key at the current time and returns true unless key was
// claimed within ttl.
func (c *Cooldown) Claim(key string) bool {
	return c.ClaimAt(key, c.now())
}

// ClaimAt is Claim stamped with at. The strategy runner passes the cycle
// start so the window is measured between cycles, not between snapshot
// fetches of varying duration.
func (c *Cooldown) ClaimAt(key string, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.seen[key]; ok && at.Sub(last) < c.ttl {
		return false
	}
	c.seen[key] = at
	return true
}

// Cleanup drops expired entries and returns how many were removed.
func (c *Cooldown) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for key, ts := range c.seen {
		if now.Sub(ts) >= c.ttl {
			delete(c.seen, key)
			n++
		}
	}
	return n
}
