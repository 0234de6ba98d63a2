package middleware

import (
	"context"
	"sync"
	"time"
)

// Cache is a small in-memory TTL cache. The OIDC middleware keeps introspection
// results in it so every request does not cost a round trip to the issuer.
type Cache[V any] struct {
	items map[string]cacheItem[V]
	mu    sync.Mutex
	now   func() time.Time
}

type cacheItem[V any] struct {
	value      V
	expiration time.Time
}

// NewCache creates a new Cache
func NewCache[V any]() *Cache[V] {
	return &Cache[V]{
		items: make(map[string]cacheItem[V]),
		now:   time.Now,
	}
}

// Set adds an item to the cache with a specified expiration duration
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = cacheItem[V]{
		value:      value,
		expiration: c.now().Add(ttl),
	}
}

// Get retrieves an unexpired item from the cache. Expired entries are evicted on access.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, found := c.items[key]
	if !found {
		var zero V
		return zero, false
	}
	if c.now().After(item.expiration) {
		delete(c.items, key)
		var zero V
		return zero, false
	}
	return item.value, true
}

// Len returns the number of entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// CleanupExpired removes expired items from the cache
func (c *Cache[V]) CleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, item := range c.items {
		if now.After(item.expiration) {
			delete(c.items, key)
		}
	}
}

// StartCleanup calls CleanupExpired every interval until ctx is done.
func (c *Cache[V]) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.CleanupExpired()
			}
		}
	}()
}
