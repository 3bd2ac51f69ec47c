package pipeline

import (
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache holds loaded bundles keyed by device and directory. Concurrent
// requests for a missing key share one load.
type Cache struct {
	group singleflight.Group

	mu      sync.Mutex
	bundles map[string]*ModelBundle
	loads   int
}

func NewCache() *Cache {
	return &Cache{bundles: map[string]*ModelBundle{}}
}

// Get returns the bundle for key, calling load at most once per key across
// concurrent callers. A failed load is not cached.
func (c *Cache) Get(key string, load func() (*ModelBundle, error)) (*ModelBundle, error) {
	c.mu.Lock()
	if b, ok := c.bundles[key]; ok {
		c.mu.Unlock()

		return b, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		if b, ok := c.bundles[key]; ok {
			c.mu.Unlock()

			return b, nil
		}
		c.mu.Unlock()

		b, err := load()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.bundles[key] = b
		c.loads++
		c.mu.Unlock()

		return b, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*ModelBundle), nil
}

// Loads counts successful loads.
func (c *Cache) Loads() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.loads
}

// Close releases every cached bundle.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for key, b := range c.bundles {
		errs = append(errs, b.Close())
		delete(c.bundles, key)
	}

	return errors.Join(errs...)
}
