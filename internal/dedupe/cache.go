// ABOUTME: Thread-safe TTL cache of inbound WhatsApp message ids
// ABOUTME: Drops platform redeliveries before they reach the conversation gate

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores when a message id was seen and its place in the eviction list.
type cacheEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers message ids for a TTL, bounded by maxSize. The oldest id is
// evicted first when the cache is full.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background sweep. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	c := newCache(ttl, maxSize, time.Now)
	go c.cleanup(time.Minute)
	return c
}

// NewWithClock creates a cache without the background sweep, reading time from now.
func NewWithClock(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	c := newCache(ttl, maxSize, now)
	c.closed = true
	close(c.done)
	return c
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

// Seen reports whether id was marked within the TTL.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[id]
	return ok && c.now().Sub(entry.seenAt) < c.ttl
}

// CheckAndMark reports whether id is a redelivery. A new id is marked in the
// same critical section, so exactly one of concurrent callers sees false.
func (c *Cache) CheckAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.seen[id]; ok && now.Sub(entry.seenAt) < c.ttl {
		return true
	}
	c.markLocked(id, now)
	return false
}

// Forget removes id so a later redelivery is processed again. Used when a
// handling pass failed before the customer got an answer.
func (c *Cache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[id]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, id)
	}
}

// Len returns the number of ids held, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// markLocked must be called with mu held.
func (c *Cache) markLocked(id string, now time.Time) {
	if entry, exists := c.seen[id]; exists {
		entry.seenAt = now
		c.order.MoveToBack(entry.element)
		return
	}
	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[id] = &cacheEntry{seenAt: now, element: c.order.PushBack(id)}
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, id)
}

func (c *Cache) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Sweep drops expired ids. Entries are in mark order, so it stops at the
// first live one.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for e := c.order.Front(); e != nil; {
		id, _ := e.Value.(string)
		entry := c.seen[id]
		if entry == nil || now.Sub(entry.seenAt) < c.ttl {
			return
		}
		next := e.Next()
		c.order.Remove(e)
		delete(c.seen, id)
		e = next
	}
}

// Close stops the background sweep. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
