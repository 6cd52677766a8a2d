// Package cache provides a small in-process TTL cache.
package cache

import (
	"sync"
	"time"
)

// Cache stores values under string keys with a fixed time-to-live.
// Expired entries are dropped lazily on read; there is no background sweep.
// Safe for concurrent use.
type Cache[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]entry[V]
	now     func() time.Time
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// New returns a cache whose entries expire ttl after Set.
// A non-positive ttl disables expiry.
func New[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		ttl:     ttl,
		entries: make(map[string]entry[V]),
		now:     time.Now,
	}
}

// Set stores value under key, resetting its expiry.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := entry[V]{value: value}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}
	c.entries[key] = e
}

// Get returns the value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		var zero V
		return zero, false
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock: Set may have refreshed the entry.
		if cur, ok := c.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len reports the number of stored entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
