// Package cache provides a string-keyed in-process cache with get-or-create
// semantics: at most one computation in flight per key, readers block on the
// in-flight computation and never observe a partial value. Entries carry an
// absolute expiry; NeverExpire entries survive until explicitly deleted.
package cache

import (
	"context"
	"sync"
	"time"
)

// NeverExpire marks an entry that is only removed by Delete.
const NeverExpire time.Duration = 0

type entry struct {
	mu      sync.Mutex
	value   any
	ready   bool
	expires time.Time // zero means never
}

// Cache is a concurrency-safe lazy cache.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time // for testing
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]*entry), now: time.Now}
}

func (c *Cache) entryFor(key string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}

// GetOrCreate returns the cached value for key, computing it with compute if
// absent or expired. Concurrent callers for the same key share one compute
// call. Failed computations are not cached.
func (c *Cache) GetOrCreate(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) (any, error)) (any, error) {
	e := c.entryFor(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ready && (e.expires.IsZero() || c.now().Before(e.expires)) {
		return e.value, nil
	}

	v, err := compute(ctx)
	if err != nil {
		e.ready = false
		return nil, err
	}

	e.value = v
	e.ready = true
	if ttl == NeverExpire {
		e.expires = time.Time{}
	} else {
		e.expires = c.now().Add(ttl)
	}
	return v, nil
}

// Peek returns the cached value without computing. The second return reports
// whether a live entry was present.
func (c *Cache) Peek(key string) (any, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready || (!e.expires.IsZero() && !c.now().Before(e.expires)) {
		return nil, false
	}
	return e.value, true
}

// Delete removes an entry. Deleting an absent key is a no-op.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// GetOrCreate is the typed form of Cache.GetOrCreate.
func GetOrCreate[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	v, err := c.GetOrCreate(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return compute(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
