// SPDX-License-Identifier: MIT

// Package cache is a small in-process TTL cache for read-heavy API
// responses such as calendar windows. Entries are advisory: writers
// invalidate by property prefix, and the short TTL bounds staleness for
// changes that arrive through other paths (webhooks, reconciliation).
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/lodgewerk/staysync/internal/clock"
)

// Stats counts cache traffic since construction.
type Stats struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Evictions int64
}

type entry[V any] struct {
	val     V
	expires time.Time
}

// Cache maps string keys to values of one type with a shared TTL.
type Cache[V any] struct {
	ttl time.Duration
	max int
	clk clock.Clock

	mu      sync.Mutex
	entries map[string]entry[V]
	stats   Stats
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithClock injects the time source (tests).
func WithClock[V any](c clock.Clock) Option[V] {
	return func(ca *Cache[V]) { ca.clk = c }
}

// New returns a cache holding at most max entries for ttl each.
func New[V any](ttl time.Duration, max int, opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		ttl:     ttl,
		max:     max,
		clk:     clock.System(),
		entries: make(map[string]entry[V]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value when present and fresh.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.clk.Now().After(e.expires) {
		if ok {
			delete(c.entries, key)
			c.stats.Evictions++
		}
		c.stats.Misses++
		var zero V
		return zero, false
	}
	c.stats.Hits++
	return e.val, true
}

// Set stores a value. When the cache is full, expired entries are
// dropped first; if that is not enough, an arbitrary entry goes. The
// cache is advisory, so precise eviction order is not worth tracking.
func (c *Cache[V]) Set(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.max {
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
				c.stats.Evictions++
			}
		}
		if len(c.entries) >= c.max {
			for k := range c.entries {
				delete(c.entries, k)
				c.stats.Evictions++
				break
			}
		}
	}
	c.entries[key] = entry[V]{val: v, expires: now.Add(c.ttl)}
	c.stats.Sets++
}

// InvalidatePrefix drops every entry whose key starts with prefix.
// Writers call this with the property id so calendar reads never serve
// a window the same process just changed.
func (c *Cache[V]) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			c.stats.Evictions++
		}
	}
}

// Clear drops everything.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Evictions += int64(len(c.entries))
	c.entries = make(map[string]entry[V])
}

// Len reports the live entry count, expired included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
