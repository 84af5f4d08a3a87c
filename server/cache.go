package server

import "sync"

// lazyCache holds loaded artifacts (models, tables, datasets) keyed by
// name. Entries are populated on first use and kept for the process
// lifetime; there is no eviction. Loading happens under the lock so a
// checkpoint is never read twice.
type lazyCache[T any] struct {
	mu sync.Mutex
	m  map[string]T
}

func newLazyCache[T any]() *lazyCache[T] {
	return &lazyCache[T]{m: map[string]T{}}
}

func (c *lazyCache[T]) get(key string, load func() (T, error)) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.m[key]; ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		var zero T
		return zero, err
	}
	c.m[key] = v
	return v, nil
}
