// Package cache provides an in-memory TTL cache with an injectable clock.
package cache

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock func() time.Time

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL maps keys to values that expire after a fixed or per-entry lifetime.
// Expired entries are dropped lazily on lookup and by Prune. When maxSize
// is positive, inserting past it evicts the entry closest to expiry.
type TTL[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]
	ttl     time.Duration
	maxSize int
	now     Clock
}

type Options struct {
	TTL     time.Duration
	MaxSize int
	Clock   Clock
}

func NewTTL[K comparable, V any](opts Options) *TTL[K, V] {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &TTL[K, V]{
		entries: make(map[K]entry[V]),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		now:     now,
	}
}

// Get returns the value for key when it is present and unexpired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && current.expiresAt.Equal(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value with the cache's default TTL.
func (c *TTL[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value for ttl. A non-positive ttl removes the key.
func (c *TTL[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl <= 0 {
		delete(c.entries, key)
		return
	}
	c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(ttl)}
	if c.maxSize > 0 && len(c.entries) > c.maxSize {
		c.evictSoonest()
	}
}

// ExpiresAt reports when key expires.
func (c *TTL[K, V]) ExpiresAt(key K) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		return time.Time{}, false
	}
	return e.expiresAt, true
}

func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len counts entries including ones that expired but were not yet pruned.
func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Prune drops expired entries and returns how many were removed.
func (c *TTL[K, V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *TTL[K, V]) evictSoonest() {
	var (
		victim K
		first  = true
		oldest time.Time
	)
	for key, e := range c.entries {
		if first || e.expiresAt.Before(oldest) {
			victim, oldest, first = key, e.expiresAt, false
		}
	}
	if !first {
		delete(c.entries, victim)
	}
}
