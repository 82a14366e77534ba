// ABOUTME: Bounded TTL cache of seen message IDs for duplicate suppression.
// ABOUTME: Backstops the polling merge and the socket client's echo filter.

package dedupe

import (
	"sync"
	"time"
)

type entry struct {
	id   string
	seen time.Time
}

// Cache is a thread-safe, size-bounded set of message identifiers with a
// TTL. Expired entries are dropped lazily on access; there is no background
// goroutine, so a Cache needs no explicit shutdown.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	fifo    []entry // insertion order, oldest first
	ttl     time.Duration
	maxSize int
}

// New creates a cache that remembers up to maxSize identifiers for ttl.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen:    make(map[string]time.Time, maxSize),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Seen reports whether id was marked within the TTL window.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.seen[id]
	return ok && time.Since(ts) < c.ttl
}

// SeenOrMark atomically checks id and marks it when new. Returns true when
// id is a duplicate. Callers that must not re-process a message use this
// instead of Seen+Mark to avoid the check/mark race.
func (c *Cache) SeenOrMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ts, ok := c.seen[id]; ok && time.Since(ts) < c.ttl {
		return true
	}
	c.mark(id)
	return false
}

// Mark records id as seen, refreshing the timestamp if already present.
func (c *Cache) Mark(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mark(id)
}

// Len returns the number of live (unexpired) entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expire()
	return len(c.seen)
}

func (c *Cache) mark(id string) {
	now := time.Now()
	if _, exists := c.seen[id]; exists {
		// Refresh: re-queue with the new timestamp. The stale FIFO position
		// is ignored by the timestamp match on eviction.
		c.seen[id] = now
		c.fifo = append(c.fifo, entry{id: id, seen: now})
		return
	}

	c.expire()
	for len(c.seen) >= c.maxSize && len(c.fifo) > 0 {
		oldest := c.fifo[0]
		c.fifo = c.fifo[1:]
		// The FIFO may hold stale positions for refreshed IDs; only evict
		// when the live timestamp matches the queued one.
		if ts, ok := c.seen[oldest.id]; ok && ts.Equal(oldest.seen) {
			delete(c.seen, oldest.id)
		}
	}

	c.seen[id] = now
	c.fifo = append(c.fifo, entry{id: id, seen: now})
}

// expire drops entries older than the TTL from the front of the queue.
// Must be called with mu held.
func (c *Cache) expire() {
	now := time.Now()
	for len(c.fifo) > 0 && now.Sub(c.fifo[0].seen) >= c.ttl {
		oldest := c.fifo[0]
		c.fifo = c.fifo[1:]
		if ts, ok := c.seen[oldest.id]; ok && ts.Equal(oldest.seen) {
			delete(c.seen, oldest.id)
		}
	}
}
