// ABOUTME: Per-customer mutual exclusion around inbound message handling
// ABOUTME: MemoryGate serves a single instance; RedisGate coordinates several

package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrLockTimeout is returned when the lock could not be acquired before the context ended.
var ErrLockTimeout = errors.New("timed out waiting for conversation lock")

// Gate runs fn while holding the lock for key. Calls for different keys never
// wait on each other. The lock is released on every exit path of fn, including
// panics, and fn's error is returned unchanged.
type Gate interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Key builds the lock key for a customer talking to a store.
func Key(customerKey, storeID string) string {
	return storeID + ":" + customerKey
}

type memoryEntry struct {
	slot chan struct{}
	refs int
}

// MemoryGate is an in-process Gate. Each key owns a one-slot channel that
// exists only while someone holds or waits for it.
type MemoryGate struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemoryGate creates an empty MemoryGate.
func NewMemoryGate() *MemoryGate {
	return &MemoryGate{entries: make(map[string]*memoryEntry)}
}

func (g *MemoryGate) acquireEntry(key string) *memoryEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[key]
	if !ok {
		e = &memoryEntry{slot: make(chan struct{}, 1)}
		g.entries[key] = e
	}
	e.refs++
	return e
}

func (g *MemoryGate) releaseEntry(key string, e *memoryEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(g.entries, key)
	}
}

// WithLock implements Gate.
func (g *MemoryGate) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	e := g.acquireEntry(key)
	defer g.releaseEntry(key, e)

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrLockTimeout, key, ctx.Err())
	}
	defer func() { <-e.slot }()

	return fn(ctx)
}

// Len reports how many keys are currently held or awaited.
func (g *MemoryGate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

var _ Gate = (*MemoryGate)(nil)
