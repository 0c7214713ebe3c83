package resolver

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// MemoryCache is an in-process Cache. It uses go-cache for TTL storage and
// singleflight so that a burst of dials to the same host performs one lookup.
type MemoryCache struct {
	cache *cache.Cache
	group singleflight.Group
}

// NewMemoryCache creates an in-memory address cache.
//
// Parameters:
//   - defaultExpiration: TTL used when GetOrFetch is given a zero ttl
//   - cleanupInterval: Interval at which expired entries are purged
//
// Returns:
//   - A new *MemoryCache
func NewMemoryCache(defaultExpiration, cleanupInterval time.Duration) *MemoryCache {
	return &MemoryCache{
		cache: cache.New(defaultExpiration, cleanupInterval),
	}
}

// GetOrFetch implements Cache.
func (c *MemoryCache) GetOrFetch(ctx context.Context, host string, ttl time.Duration, fetchFn FetchFunc) (string, error) {
	if addr, found := c.lookup(host); found {
		return addr, nil
	}

	val, err, _ := c.group.Do(host, func() (interface{}, error) {
		// another caller may have filled the entry while we queued
		if addr, found := c.lookup(host); found {
			return addr, nil
		}

		addr, err := fetchFn(ctx)
		if err != nil {
			return "", err
		}

		if ttl <= 0 {
			ttl = cache.DefaultExpiration
		}

		c.cache.Set(host, addr, ttl)
		return addr, nil
	})
	if err != nil {
		return "", err
	}

	return val.(string), nil
}

func (c *MemoryCache) lookup(host string) (string, bool) {
	val, found := c.cache.Get(host)
	if !found {
		return "", false
	}

	addr, ok := val.(string)
	return addr, ok
}

// Delete implements Cache.
func (c *MemoryCache) Delete(ctx context.Context, host string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.cache.Delete(host)
	return nil
}

// Clear implements Cache.
func (c *MemoryCache) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.cache.Flush()
	return nil
}

// ItemCount implements Cache.
func (c *MemoryCache) ItemCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	return c.cache.ItemCount(), nil
}
