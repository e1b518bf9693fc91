package discovery

import (
	"sync"
	"time"
)

type cacheEntry[V any] struct {
	value     V
	updatedAt time.Time
}

// ttlCache is a bounded map whose entries expire after ttl. When full, the
// oldest entry is evicted.
type ttlCache[V any] struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry[V]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

func newTTLCache[V any](ttl time.Duration, maxSize int, now func() time.Time) *ttlCache[V] {
	if now == nil {
		now = time.Now
	}
	return &ttlCache[V]{
		entries: make(map[string]cacheEntry[V]),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
	}
}

func (c *ttlCache[V]) enabled() bool {
	return c != nil && c.ttl > 0 && c.maxSize > 0
}

func (c *ttlCache[V]) get(key string) (V, bool) {
	var zero V
	if !c.enabled() {
		return zero, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || c.now().Sub(entry.updatedAt) > c.ttl {
		return zero, false
	}
	return entry.value, true
}

func (c *ttlCache[V]) put(key string, value V) {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry[V]{value: value, updatedAt: c.now()}
	if len(c.entries) > c.maxSize {
		c.evictOldest()
	}
}

func (c *ttlCache[V]) clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

func (c *ttlCache[V]) size() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictOldest must be called with the lock held.
func (c *ttlCache[V]) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.updatedAt.Before(oldest) {
			oldestKey = key
			oldest = entry.updatedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
