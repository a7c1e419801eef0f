package remote

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedStore keeps recently fetched bundle payloads in an LRU cache.
// Bundles are immutable, so a cached payload never goes stale; only the
// fetch path is cached, everything else passes through.
type CachedStore struct {
	Store
	cache *lru.Cache[string, []byte]
}

func NewCachedStore(inner Store, size int) (*CachedStore, error) {
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("creating bundle cache: %w", err)
	}
	return &CachedStore{Store: inner, cache: cache}, nil
}

func (c *CachedStore) GetBundle(ctx context.Context, name string) ([]byte, error) {
	if data, ok := c.cache.Get(name); ok {
		return data, nil
	}

	data, err := c.Store.GetBundle(ctx, name)
	if err != nil {
		return nil, err
	}
	c.cache.Add(name, data)
	return data, nil
}
