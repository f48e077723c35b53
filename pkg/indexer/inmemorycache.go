package indexer

import (
	"context"
	"sync"

	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/rs/zerolog"
)

// InMemoryCache implements Cache with an unbounded map. It is meant for tests
// and the mock deployment, where no shared cache is running.
type InMemoryCache struct {
	mu     sync.RWMutex
	cache  map[string]int64
	logger zerolog.Logger
}

func NewInMemoryCache(logger zerolog.Logger) *InMemoryCache {
	return &InMemoryCache{
		cache:  make(map[string]int64),
		logger: logger.With().Str("component", "InMemoryCache").Logger(),
	}
}

func (i *InMemoryCache) FetchFromCache(ctx context.Context, useCase types.UseCaseID, keys *KeyCollection) (*KeyResults, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	i.mu.RLock()
	defer i.mu.RUnlock()
	hits := NewKeyResults()
	keys.Each(func(org int64, s string) {
		if id, ok := i.cache[cacheKey(useCase, org, s)]; ok {
			hits.Add(org, s, id, FetchCacheHit)
		}
	})
	return hits, nil
}

func (i *InMemoryCache) WriteToCache(ctx context.Context, useCase types.UseCaseID, results *KeyResults) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	results.Each(func(org int64, s string, id int64, _ FetchType) {
		i.cache[cacheKey(useCase, org, s)] = id
	})
	i.logger.Debug().Int("entries", results.Len()).Msg("Data written to in-memory cache.")
	return nil
}

func (i *InMemoryCache) Close() error {
	i.logger.Info().Msg("In-memory cache closed.")
	return nil
}
