// Package cache is an in-process TTL map. The memory rate-limit store builds
// its counters on it; it is only correct within a single process.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	value     interface{}
	expiresAt time.Time
}

type Cache struct {
	mu     sync.RWMutex
	items  map[string]entry
	now    func() time.Time
	stopCh chan struct{}
	once   sync.Once
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithoutJanitor skips the background cleanup goroutine.
func WithoutJanitor() Option {
	return func(c *Cache) {
		c.stopCh = nil
	}
}

func New(opts ...Option) *Cache {
	c := &Cache{
		items:  make(map[string]entry),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.stopCh != nil {
		go c.cleanup()
	}
	return c
}

func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[key]
	if !ok || c.expired(e) {
		return nil, false
	}
	return e.value, true
}

// UpdateFunc receives the live value (ok=false when absent or expired) and
// returns the value to store. Returning store=false leaves the entry as is.
type UpdateFunc func(current interface{}, ok bool) (next interface{}, store bool)

// Update runs fn under the write lock, so read-modify-write sequences on one
// key are atomic. An existing entry keeps its expiry; a new entry gets ttl.
func (c *Cache) Update(key string, ttl time.Duration, fn UpdateFunc) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if ok && c.expired(e) {
		ok = false
	}

	var current interface{}
	if ok {
		current = e.value
	}

	next, store := fn(current, ok)
	if !store {
		return current
	}

	expiresAt := e.expiresAt
	if !ok {
		expiresAt = c.now().Add(ttl)
	}
	c.items[key] = entry{value: next, expiresAt: expiresAt}
	return next
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (c *Cache) Stop() {
	c.once.Do(func() {
		if c.stopCh != nil {
			close(c.stopCh)
		}
	})
}

func (c *Cache) expired(e entry) bool {
	return !c.now().Before(e.expiresAt)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.items {
		if c.expired(e) {
			delete(c.items, key)
		}
	}
}
