package cache

import (
	"context"
	"sync"
	"time"
)

// Cache stores encoded query results keyed by an opaque string.
// Get returns (value, true, nil) on hit and (nil, false, nil) on miss or expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// DefaultMaxEntries bounds InMemoryCache when no limit is given.
const DefaultMaxEntries = 4096

// InMemoryCache implements Cache with a mutex-guarded map and TTL expiry.
// When full, expired entries are swept first, then the entry closest to expiry is evicted.
type InMemoryCache struct {
	mu         sync.Mutex
	data       map[string]cacheEntry
	maxEntries int
	now        func() time.Time
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewInMemoryCache creates an in-memory cache holding at most maxEntries (0 uses the default).
func NewInMemoryCache(maxEntries int) *InMemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &InMemoryCache{
		data:       make(map[string]cacheEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns the value for key if present and not expired. Expired entries are removed.
func (c *InMemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.data, key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set stores value under key for ttl.
func (c *InMemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if _, exists := c.data[key]; !exists && len(c.data) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.data[key] = cacheEntry{value: value, expiresAt: now.Add(ttl)}
	return nil
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func (c *InMemoryCache) evictLocked(now time.Time) {
	var (
		victim string
		soon   time.Time
	)
	for k, e := range c.data {
		if now.After(e.expiresAt) {
			delete(c.data, k)
			continue
		}
		if victim == "" || e.expiresAt.Before(soon) {
			victim, soon = k, e.expiresAt
		}
	}
	if len(c.data) >= c.maxEntries && victim != "" {
		delete(c.data, victim)
	}
}
