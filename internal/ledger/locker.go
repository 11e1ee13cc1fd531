package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/papertrade/internal/domain"
)

// Locker serialises work per key. Lock blocks until the key is free or ctx
// is done.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker. Entries are reference counted and
// dropped once no goroutine holds or waits on them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

// Lock acquires key.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
}

// DistributedLocker layers a domain.LockManager over a local KeyedMutex so
// that several processes sharing one store still serialise per user. The
// local lock is taken first to keep same-process contention off the network.
type DistributedLocker struct {
	local *KeyedMutex
	dist  domain.LockManager
	ttl   time.Duration
	retry time.Duration
}

// NewDistributedLocker wraps lm. ttl bounds how long a crashed holder can
// block a key; retry is the poll interval while the key is held elsewhere.
func NewDistributedLocker(lm domain.LockManager, ttl, retry time.Duration) *DistributedLocker {
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &DistributedLocker{local: NewKeyedMutex(), dist: lm, ttl: ttl, retry: retry}
}

// Lock acquires key locally and then in the shared lock manager.
func (d *DistributedLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := d.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	for {
		unlockDist, err := d.dist.Acquire(ctx, key, d.ttl)
		if err == nil {
			return func() {
				unlockDist()
				unlockLocal()
			}, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			unlockLocal()
			return nil, fmt.Errorf("ledger: acquire %s: %w", key, err)
		}
		t := time.NewTimer(d.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			unlockLocal()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}
