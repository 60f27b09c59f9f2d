// Package cache holds recent extraction results and the registry of
// in-flight executions used to coalesce identical requests.
package cache

import (
	"sync"
	"time"

	"github.com/JakeFAU/lens-scraper/internal/lens"
	"github.com/JakeFAU/lens-scraper/internal/metrics"
)

type entry struct {
	result    lens.ExtractionResult
	expiresAt time.Time
}

// Cache is a TTL cache of successful results keyed by fingerprint.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	clock   lens.Clock
}

// New creates an empty cache. clock may be nil.
func New(clock lens.Clock) *Cache {
	return &Cache{entries: make(map[string]entry), clock: clock}
}

// Get returns a copy of the cached result. Expired entries count as misses
// and are dropped.
func (c *Cache) Get(fingerprint string) (lens.ExtractionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fingerprint]
	if !ok {
		metrics.ObserveCache("miss")
		return lens.ExtractionResult{}, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, fingerprint)
		metrics.ObserveCache("expired")
		return lens.ExtractionResult{}, false
	}
	metrics.ObserveCache("hit")
	return e.result.Clone(), true
}

// Put stores result for ttl. A non-positive ttl stores nothing.
func (c *Cache) Put(fingerprint string, result lens.ExtractionResult, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = entry{result: result.Clone(), expiresAt: c.now().Add(ttl)}
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for fp, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, fp)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) now() time.Time {
	if c.clock != nil {
		return c.clock.Now()
	}
	return time.Now()
}
