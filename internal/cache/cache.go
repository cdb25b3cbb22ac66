// Package cache provides a bounded in-memory store with separate fresh and
// stale expiry windows. Stale reads are an explicit fallback for when the
// live events API is unreachable; nothing here is ever persisted.
package cache

import (
	"context"
	"log"
	"sync"
	"time"
)

type entry struct {
	value          any
	expiresAt      time.Time
	staleExpiresAt time.Time
	createdAt      time.Time
}

// Cache is a fixed-capacity map evicting the oldest-inserted entry when
// full (FIFO, not LRU — key cardinality is small and access append-mostly).
type Cache struct {
	mu       sync.Mutex
	entries  map[string]entry
	order    []string // insertion order for FIFO eviction
	capacity int
	clock    func() time.Time
}

// New creates a cache holding at most capacity entries.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 128
	}
	return &Cache{
		entries:  make(map[string]entry, capacity),
		capacity: capacity,
		clock:    time.Now,
	}
}

// WithClock overrides the time source for tests.
func (c *Cache) WithClock(clock func() time.Time) *Cache {
	c.clock = clock
	return c
}

// Set stores value under key with a fresh TTL and a longer stale TTL.
// Overwriting an existing key keeps its position in the eviction order.
func (c *Cache) Set(key string, value any, freshTTL, staleTTL time.Duration) {
	if staleTTL < freshTTL {
		staleTTL = freshTTL
	}
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		if len(c.entries) >= c.capacity {
			c.evictOldestLocked()
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = entry{
		value:          value,
		expiresAt:      now.Add(freshTTL),
		staleExpiresAt: now.Add(staleTTL),
		createdAt:      now,
	}
}

// Get returns the value while it is fresh. Past the fresh boundary this is
// a miss even if a stale copy still exists.
func (c *Cache) Get(key string) (any, bool) {
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// GetStale returns the value while the stale window is open. Entries past
// the stale boundary are removed on access.
func (c *Cache) GetStale(key string) (any, bool) {
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.staleExpiresAt) {
		c.deleteLocked(key)
		return nil, false
	}
	return e.value, true
}

// Delete removes a key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(key)
}

// Len returns the current number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Capacity returns the maximum number of entries.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Sweep removes every entry whose stale boundary has passed, independent
// of access. Returns the number removed.
func (c *Cache) Sweep() int {
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.staleExpiresAt) {
			c.deleteLocked(key)
			removed++
		}
	}
	return removed
}

// RunSweeper sweeps on the given interval until ctx is cancelled.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				log.Printf("cache: swept %d expired entries", n)
			}
		}
	}
}

func (c *Cache) evictOldestLocked() {
	for len(c.order) > 0 {
		key := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[key]; ok {
			delete(c.entries, key)
			return
		}
	}
}

func (c *Cache) deleteLocked(key string) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
