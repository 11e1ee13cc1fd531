package oracle

import (
	"sync"
	"time"
)

// ttlCache is a process-local map whose entries expire after ttl. Writers
// race harmlessly: the last write for a key wins.
type ttlCache[T any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]ttlEntry[T]
}

type ttlEntry[T any] struct {
	val T
	at  time.Time
}

func newTTLCache[T any](ttl time.Duration) *ttlCache[T] {
	return &ttlCache[T]{ttl: ttl, entries: make(map[string]ttlEntry[T])}
}

func (c *ttlCache[T]) get(key string, now time.Time) (T, time.Time, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || now.Sub(e.at) >= c.ttl {
		var zero T
		return zero, time.Time{}, false
	}
	return e.val, e.at, true
}

func (c *ttlCache[T]) set(key string, val T, at time.Time) {
	c.mu.Lock()
	c.entries[key] = ttlEntry[T]{val: val, at: at}
	c.mu.Unlock()
}

// sweep drops expired entries.
func (c *ttlCache[T]) sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if now.Sub(e.at) >= c.ttl {
			delete(c.entries, k)
			n++
		}
	}
	return n
}
