// Package pathcache memoizes entity id to descriptive path lookups for the
// lifetime of one collection cycle.
package pathcache

import (
	"context"
	"fmt"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"tokenexporter.org/internal/obs"
	"tokenexporter.org/internal/token"
)

// LookupFunc resolves the path of one entity, usually with an API call.
type LookupFunc func(ctx context.Context) (string, error)

// Cache is safe for concurrent use. Create one per cycle with New and drop it
// when the cycle ends.
type Cache struct {
	store *gocache.Cache
	group singleflight.Group
}

func New() *Cache {
	return &Cache{store: gocache.New(gocache.NoExpiration, 0)}
}

func key(kind token.EntityKind, id int) string {
	return fmt.Sprintf("%s:%d", kind, id)
}

// Resolve returns the cached path for (kind, id) or runs lookup once.
// Concurrent callers for the same key share a single lookup. Failed lookups are
// not cached.
func (c *Cache) Resolve(ctx context.Context, kind token.EntityKind, id int, lookup LookupFunc) (string, error) {
	k := key(kind, id)
	if v, ok := c.store.Get(k); ok {
		obs.PathCacheLookup(true)
		return v.(string), nil
	}

	v, err, shared := c.group.Do(k, func() (any, error) {
		// A previous flight may have landed between Get and Do.
		if v, ok := c.store.Get(k); ok {
			return v, nil
		}
		path, err := lookup(ctx)
		if err != nil {
			return "", err
		}
		if err := c.store.Add(k, path, gocache.NoExpiration); err != nil {
			// Already present: keep the first value.
			if existing, ok := c.store.Get(k); ok {
				return existing, nil
			}
		}
		return path, nil
	})
	obs.PathCacheLookup(shared)
	if err != nil {
		return "", fmt.Errorf("resolve %s %d: %w", kind, id, err)
	}
	return v.(string), nil
}

// Seed records a path already known from a list response. An existing entry
// wins.
func (c *Cache) Seed(kind token.EntityKind, id int, path string) {
	_ = c.store.Add(key(kind, id), path, gocache.NoExpiration)
}

// Len is the number of resolved entries.
func (c *Cache) Len() int { return c.store.ItemCount() }
