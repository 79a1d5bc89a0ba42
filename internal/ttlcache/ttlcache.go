// Package ttlcache implements the reusable bounded TTL cache named by
// spec.md §9 ("Mutable maps for retry/call/placeholder caches → bounded TTL
// caches... a single reusable TtlCache<K,V> with eviction on access and a
// background sweeper"). It is grounded on the teacher's
// crypto.NonceStore (mutex-guarded map + background cleanup goroutine +
// injected TimeProvider) and async's storage capacity/TTL limiting.
package ttlcache

import (
	"sync"
	"time"
)

// TimeProvider abstracts time so TTL expiry is deterministically testable,
// mirroring crypto.TimeProvider/crypto.DefaultTimeProvider in the teacher.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider delegates to the standard library clock.
type DefaultTimeProvider struct{}

// Now returns the current wall-clock time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a generic, mutex-guarded, TTL-bounded key-value store with
// eviction on access and an optional background sweeper.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	data     map[K]entry[V]
	ttl      time.Duration
	tp       TimeProvider
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a cache with the given default entry TTL. If tp is nil,
// DefaultTimeProvider is used. Call Close to stop the background sweeper.
func New[K comparable, V any](ttl time.Duration, tp TimeProvider) *Cache[K, V] {
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	c := &Cache[K, V]{
		data:   make(map[K]entry[V]),
		ttl:    ttl,
		tp:     tp,
		stopCh: make(chan struct{}),
	}
	return c
}

// StartSweeper launches a background goroutine that purges expired entries
// every interval, until Close is called.
func (c *Cache[K, V]) StartSweeper(interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				c.sweep()
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *Cache[K, V]) sweep() {
	now := c.tp.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.data {
		if now.After(e.expiresAt) {
			delete(c.data, k)
		}
	}
}

// Close stops the background sweeper, if any was started.
func (c *Cache[K, V]) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Set stores value under key with the cache's default TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key with an explicit TTL override.
func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = entry[V]{value: value, expiresAt: c.tp.Now().Add(ttl)}
}

// Get returns the value for key, evicting it first if its TTL has elapsed
// ("eviction on access").
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.tp.Now().After(e.expiresAt) {
		delete(c.data, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes key unconditionally.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Clear removes every entry.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[K]entry[V])
}

// Len returns the number of entries currently stored, including possibly
// expired-but-not-yet-swept ones.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Update atomically reads (possibly absent) and rewrites a value under key,
// preserving the existing TTL if present or falling back to the cache
// default. An entry whose TTL has elapsed counts as absent ("eviction on
// access", as in Get). This is the primitive the retry-accounting counter
// (spec.md §4.G) is built on: increment-if-present, else initialize.
func (c *Cache[K, V]) Update(key K, fn func(value V, ok bool) V) V {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[key]
	if ok && c.tp.Now().After(e.expiresAt) {
		e, ok = entry[V]{}, false
	}
	newValue := fn(e.value, ok)
	expiresAt := e.expiresAt
	if !ok {
		expiresAt = c.tp.Now().Add(c.ttl)
	}
	c.data[key] = entry[V]{value: newValue, expiresAt: expiresAt}
	return newValue
}
