package upgrade

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Reloader is process state derived from the database that must be rebuilt
// after an upgrade changed the rows it was built from.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Cache is a process-scoped lookup table loaded from the database. It is
// created once at startup and passed by pointer; there is no package-level
// instance.
type Cache[K comparable, V any] struct {
	name string
	load func(ctx context.Context) (map[K]V, error)

	mu     sync.RWMutex
	items  map[K]V
	loaded bool
}

func NewCache[K comparable, V any](
	name string,
	load func(ctx context.Context) (map[K]V, error),
) *Cache[K, V] {
	return &Cache[K, V]{name: name, load: load}
}

// Get returns the cached value for k. It never loads; an unloaded or
// invalidated cache reports every key missing.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[k]
	return v, ok
}

func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Cache[K, V]) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Invalidate drops every entry until the next Reload.
func (c *Cache[K, V]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
	c.loaded = false
}

// Reload replaces the contents with a fresh load. The old contents stay
// visible while loading and are kept if the load fails.
func (c *Cache[K, V]) Reload(ctx context.Context) error {
	items, err := c.load(ctx)
	if err != nil {
		return errors.Wrapf(err, "reload %s", c.name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = items
	c.loaded = true
	return nil
}
