package eta

import (
	"sync"
	"time"
)

// Cache pins a displayed ETA per order for a short TTL so the countdown the
// customer watches does not flap between refreshes.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	minutes int
	ts      time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

// Get returns the cached minutes and true if present and not expired.
func (c *Cache) Get(orderID string) (int, bool) {
	c.mu.RLock()
	e, ok := c.store[orderID]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, orderID)
		c.mu.Unlock()
		return 0, false
	}
	return e.minutes, true
}

// Set stores the minutes for an order.
func (c *Cache) Set(orderID string, minutes int) {
	c.mu.Lock()
	c.store[orderID] = cacheEntry{minutes: minutes, ts: time.Now()}
	c.mu.Unlock()
}

// Invalidate drops an order's pinned ETA, used when the order's state
// changes enough that flapping is the lesser evil.
func (c *Cache) Invalidate(orderID string) {
	c.mu.Lock()
	delete(c.store, orderID)
	c.mu.Unlock()
}
