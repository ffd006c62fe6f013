// Package cache provides a small TTL cache with an injected clock and a hard
// capacity, used to memoize directory lookups during permission checks.
package cache

import (
	"sync"
	"time"
)

// Clock supplies the current time. Tests inject a fake.
type Clock func() time.Time

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a capacity-bounded TTL map. When full, the entry closest to expiry
// is evicted first.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]entry
	ttl      time.Duration
	capacity int
	now      Clock
}

// New creates a cache with the given TTL and capacity. A nil clock defaults
// to time.Now.
func New(ttl time.Duration, capacity int, now Clock) *Cache {
	if now == nil {
		now = time.Now
	}

	if capacity <= 0 {
		capacity = 1024
	}

	return &Cache{
		entries:  make(map[string]entry),
		ttl:      ttl,
		capacity: capacity,
		now:      now,
	}
}

// Get returns the cached value for key, or false when absent or expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	if c.now().After(e.expiresAt) {
		delete(c.entries, key)

		return nil, false
	}

	return e.value, true
}

// Set stores a value under key, evicting if the cache is at capacity.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictLocked()
	}

	c.entries[key] = entry{value: value, expiresAt: c.now().Add(c.ttl)}
}

// Invalidate drops a single key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// Flush drops every entry.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]entry)
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

func (c *Cache) evictLocked() {
	now := c.now()

	var (
		victim string
		oldest time.Time
		found  bool
	)

	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)

			return
		}

		if !found || e.expiresAt.Before(oldest) {
			victim = key
			oldest = e.expiresAt
			found = true
		}
	}

	if found {
		delete(c.entries, victim)
	}
}
