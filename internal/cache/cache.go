// SPDX-License-Identifier: MIT

// Package cache provides the registry cache used by the processor pipeline
// and the subscription router. Processor and subscription configuration is
// externally-owned table state; dispatch cycles read it through this cache
// and management operations invalidate it explicitly, so toggles and
// deletions take effect on the next dispatched event.
package cache

import (
	"sync"
	"time"
)

// Cache is a byte-value cache with TTL expiry and explicit invalidation.
type Cache interface {
	// Get retrieves a value. The second result is false when the key is
	// absent or expired.
	Get(key string) ([]byte, bool)
	// Set stores a value with the given TTL.
	Set(key string, value []byte, ttl time.Duration)
	// Delete removes a key (explicit invalidation).
	Delete(key string)
	// Stats returns hit/miss counters.
	Stats() Stats
}

// Stats holds cache performance counters.
type Stats struct {
	Hits   int64
	Misses int64
	Sets   int64
	Size   int
}

type entry struct {
	value      []byte
	expiration time.Time
}

func (e *entry) expired() bool {
	return time.Now().After(e.expiration)
}

type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	stats   Stats
}

// NewMemory returns an in-process cache. Suitable for a single instance;
// multi-instance deployments use the Redis cache so invalidations are
// visible everywhere.
func NewMemory() Cache {
	return &memoryCache{entries: make(map[string]*entry)}
}

func (c *memoryCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired() {
		if ok {
			delete(c.entries, key)
		}
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return e.value, true
}

func (c *memoryCache) Set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{value: value, expiration: time.Now().Add(ttl)}
	c.stats.Sets++
}

func (c *memoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *memoryCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := c.stats
	stats.Size = len(c.entries)
	return stats
}
