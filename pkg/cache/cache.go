package cache

import (
	"strings"
	"sync"
	"time"
)

// TTLCache is an in-memory, string-keyed cache whose entries expire after a fixed TTL.
type TTLCache[V any] struct {
	data    map[string]cacheEntry[V]
	ttl     time.Duration
	mu      sync.RWMutex
	cleanup *time.Ticker
	done    chan struct{}
	once    sync.Once

	// epoch counts invalidations. A value computed before an invalidation is never stored.
	epoch uint64

	hits   int64
	misses int64
}

type cacheEntry[V any] struct {
	value      V
	expiration time.Time
}

// Stats reports cache usage.
type Stats struct {
	Size    int     `json:"size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// New creates a cache and starts its cleanup goroutine. Call Stop to release it.
func New[V any](ttl time.Duration) *TTLCache[V] {
	c := &TTLCache[V]{
		data:    make(map[string]cacheEntry[V]),
		ttl:     ttl,
		cleanup: time.NewTicker(cleanupInterval(ttl)),
		done:    make(chan struct{}),
	}

	go c.cleanupLoop()

	return c
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > time.Minute {
		return time.Minute
	}
	return ttl
}

// Get retrieves a value from the cache
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok || time.Now().After(entry.expiration) {
		c.misses++
		var zero V
		return zero, false
	}

	c.hits++
	return entry.value, true
}

// Set stores a value in the cache
func (c *TTLCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = cacheEntry[V]{
		value:      value,
		expiration: time.Now().Add(c.ttl),
	}
}

// Delete removes a value from the cache
func (c *TTLCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
	c.epoch++
}

// DeleteByPrefix removes all entries with keys starting with the given prefix
func (c *TTLCache[V]) DeleteByPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.data {
		if strings.HasPrefix(key, prefix) {
			delete(c.data, key)
		}
	}
	c.epoch++
}

// Epoch returns the invalidation counter, to be passed to SetIfEpoch.
func (c *TTLCache[V]) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.epoch
}

// SetIfEpoch stores value only if nothing was invalidated since epoch was read.
func (c *TTLCache[V]) SetIfEpoch(key string, value V, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch != epoch {
		return false
	}
	c.data[key] = cacheEntry[V]{
		value:      value,
		expiration: time.Now().Add(c.ttl),
	}
	return true
}

// GetOrSet retrieves a value from the cache, or computes and stores it if not present.
// Errors from compute are returned and nothing is stored. A value whose computation
// overlapped a Delete or DeleteByPrefix is returned but not stored.
func (c *TTLCache[V]) GetOrSet(key string, compute func() (V, error)) (V, error) {
	epoch := c.Epoch()
	if value, ok := c.Get(key); ok {
		return value, nil
	}

	value, err := compute()
	if err != nil {
		var zero V
		return zero, err
	}

	c.SetIfEpoch(key, value, epoch)
	return value, nil
}

// Size returns the number of entries in the cache, expired ones included until cleanup runs.
func (c *TTLCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.data)
}

// Stats returns cache statistics
func (c *TTLCache[V]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return Stats{
		Size:    len(c.data),
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: hitRate,
	}
}

// Stop stops the cleanup goroutine
func (c *TTLCache[V]) Stop() {
	c.once.Do(func() {
		c.cleanup.Stop()
		close(c.done)
	})
}

func (c *TTLCache[V]) cleanupLoop() {
	for {
		select {
		case <-c.cleanup.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *TTLCache[V]) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.data {
		if now.After(entry.expiration) {
			delete(c.data, key)
		}
	}
}
