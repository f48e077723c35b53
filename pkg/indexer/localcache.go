package indexer

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/rs/zerolog"
)

// LocalCache is a bounded in-process LRU of resolved ids. Each transform
// worker owns its own instance.
type LocalCache struct {
	cache  *lru.Cache[string, int64]
	logger zerolog.Logger
}

// NewLocalCache creates an LRU holding up to size entries.
func NewLocalCache(size int, logger zerolog.Logger) (*LocalCache, error) {
	if size <= 0 {
		size = 10000
	}
	cache, err := lru.New[string, int64](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create local cache: %w", err)
	}
	return &LocalCache{
		cache:  cache,
		logger: logger.With().Str("component", "LocalCache").Logger(),
	}, nil
}

func (c *LocalCache) FetchFromCache(_ context.Context, useCase types.UseCaseID, keys *KeyCollection) (*KeyResults, error) {
	hits := NewKeyResults()
	keys.Each(func(org int64, s string) {
		if id, ok := c.cache.Get(cacheKey(useCase, org, s)); ok {
			hits.Add(org, s, id, FetchCacheHit)
		}
	})
	c.logger.Debug().Int("requested", keys.Size()).Int("hits", hits.Len()).Msg("Local cache lookup.")
	return hits, nil
}

func (c *LocalCache) WriteToCache(_ context.Context, useCase types.UseCaseID, results *KeyResults) error {
	results.Each(func(org int64, s string, id int64, _ FetchType) {
		c.cache.Add(cacheKey(useCase, org, s), id)
	})
	return nil
}

// Len is the number of cached entries.
func (c *LocalCache) Len() int {
	return c.cache.Len()
}

func (c *LocalCache) Close() error {
	c.cache.Purge()
	return nil
}
