package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// Cache interface for in-memory caching
type Cache interface {
	Get(ctx context.Context, key string) (interface{}, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryCache implements Cache using an in-memory map with TTL entries.
// The clock is injectable so tests can advance time deterministically.
// Eviction is lazy on read, plus an optional periodic sweep. The cache is
// process-local and unsynchronized across replicas: entries are
// content-addressed and short-lived, so a stale entry only costs an extra
// upstream call.
type MemoryCache struct {
	data     map[string]*cacheItem
	mu       sync.Mutex
	maxSize  int
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

type cacheItem struct {
	value     interface{}
	expiresAt time.Time
}

// NewMemoryCache creates a new in-memory cache using the wall clock.
func NewMemoryCache(maxSize int, logger *zap.Logger) *MemoryCache {
	return NewMemoryCacheWithClock(maxSize, time.Now, logger)
}

// NewMemoryCacheWithClock creates a new in-memory cache with an injected
// clock.
func NewMemoryCacheWithClock(maxSize int, now func() time.Time, logger *zap.Logger) *MemoryCache {
	return &MemoryCache{
		data:    make(map[string]*cacheItem),
		maxSize: maxSize,
		now:     now,
		stop:    make(chan struct{}),
		logger:  logger,
	}
}

// Get retrieves a value from cache. Expired entries are removed on read.
func (c *MemoryCache) Get(ctx context.Context, key string) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.data[key]
	if !exists {
		return nil, ErrNotFound
	}

	if !c.now().Before(item.expiresAt) {
		delete(c.data, key)
		return nil, ErrNotFound
	}

	return item.value, nil
}

// Set stores a value in cache with TTL
func (c *MemoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.data) >= c.maxSize {
		now := c.now()
		for k, v := range c.data {
			if !now.Before(v.expiresAt) {
				delete(c.data, k)
			}
		}
		// Still full after dropping expired entries: drop an arbitrary one.
		if len(c.data) >= c.maxSize {
			for k := range c.data {
				delete(c.data, k)
				break
			}
		}
	}

	c.data[key] = &cacheItem{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}

	return nil
}

// Delete removes a value from cache
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
	return nil
}

// StartSweeper starts a goroutine that periodically removes expired entries.
func (c *MemoryCache) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Sweep removes all expired entries.
func (c *MemoryCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, item := range c.data {
		if !now.Before(item.expiresAt) {
			delete(c.data, key)
		}
	}
}

// Stop stops the sweeper goroutine if one was started.
func (c *MemoryCache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Size returns the number of items in cache
func (c *MemoryCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
