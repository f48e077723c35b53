package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/rs/zerolog"
)

// CacheFallbackIndexer is the StringIndexer used by the processor. It
// resolves keys through a chain of layers, cheapest first:
//
//  1. hardcoded shared strings,
//  2. each cache in order,
//  3. a read from the source of truth,
//  4. an insert into the source for strings seen for the first time, subject
//     to the writes limiter.
//
// Ids found below a cache are written back to it in the background.
type CacheFallbackIndexer struct {
	ctx     context.Context
	caches  []Cache
	source  Source
	limiter WritesLimiter
	logger  zerolog.Logger

	writes sync.WaitGroup
}

// NewCacheFallbackIndexer builds the layered indexer. caches may be empty.
// A nil limiter grants every write. The indexer owns its caches and source
// and closes them on Close.
func NewCacheFallbackIndexer(
	ctx context.Context,
	source Source,
	limiter WritesLimiter,
	logger zerolog.Logger,
	caches ...Cache,
) (*CacheFallbackIndexer, error) {
	if source == nil {
		return nil, errors.New("source cannot be nil")
	}
	for i, c := range caches {
		if c == nil {
			return nil, fmt.Errorf("cache %d cannot be nil", i)
		}
	}
	if limiter == nil {
		limiter = NoWritesLimit{}
	}
	return &CacheFallbackIndexer{
		ctx:     ctx,
		caches:  caches,
		source:  source,
		limiter: limiter,
		logger:  logger.With().Str("component", "CacheFallbackIndexer").Logger(),
	}, nil
}

func (x *CacheFallbackIndexer) BulkRecord(ctx context.Context, useCase types.UseCaseID, keys *KeyCollection) (*KeyResults, error) {
	results := NewKeyResults()
	remaining := NewKeyCollection()
	keys.Each(func(org int64, s string) {
		if id, ok := StaticID(s); ok {
			results.Add(org, s, id, FetchHardcoded)
			return
		}
		remaining.Add(org, s)
	})

	// Keys each cache was asked for and did not have.
	missed := make([]*KeyCollection, len(x.caches))
	for i, cache := range x.caches {
		if remaining.Size() == 0 {
			break
		}
		hits, err := cache.FetchFromCache(ctx, useCase, remaining)
		if err != nil {
			x.logger.Warn().Err(err).Int("cache", i).Msg("Cache lookup failed, falling through.")
			hits = NewKeyResults()
		}
		results.Merge(hits)
		remaining = hits.Missing(remaining)
		missed[i] = remaining
	}

	if remaining.Size() > 0 {
		found, err := x.source.Fetch(ctx, useCase, remaining)
		if err != nil {
			return nil, fmt.Errorf("error fetching from source: %w", err)
		}
		results.Merge(found)
		remaining = found.Missing(remaining)
	}

	if remaining.Size() > 0 {
		granted, rejected := x.limitWrites(ctx, useCase, remaining)
		if granted.Size() > 0 {
			inserted, err := x.source.Insert(ctx, useCase, granted)
			if err != nil {
				return nil, fmt.Errorf("error inserting into source: %w", err)
			}
			results.Merge(inserted)
		}
		rejected.Each(results.Reject)
		if rejected.Size() > 0 {
			x.logger.Warn().Int("rejected", rejected.Size()).Str("use_case", string(useCase)).Msg("Writes limit reached, strings not indexed.")
		}
	}

	for i, keys := range missed {
		if keys == nil || keys.Size() == 0 {
			continue
		}
		x.writeBack(x.caches[i], useCase, results.Subset(keys))
	}
	return results, nil
}

func (x *CacheFallbackIndexer) limitWrites(ctx context.Context, useCase types.UseCaseID, keys *KeyCollection) (granted, rejected *KeyCollection) {
	granted, rejected = NewKeyCollection(), NewKeyCollection()
	for _, org := range keys.Orgs() {
		strs := keys.Strings(org)
		n, err := x.limiter.Allow(ctx, useCase, org, len(strs))
		if err != nil {
			x.logger.Error().Err(err).Int64("org_id", org).Msg("Writes limiter failed, allowing writes.")
			n = len(strs)
		}
		for i, s := range strs {
			if i < n {
				granted.Add(org, s)
			} else {
				rejected.Add(org, s)
			}
		}
	}
	return granted, rejected
}

func (x *CacheFallbackIndexer) writeBack(cache Cache, useCase types.UseCaseID, results *KeyResults) {
	if results.Len() == 0 {
		return
	}
	x.writes.Add(1)
	go func() {
		defer x.writes.Done()
		writeCtx, cancel := context.WithTimeout(x.ctx, 5*time.Second)
		defer cancel()
		if err := cache.WriteToCache(writeCtx, useCase, results); err != nil {
			x.logger.Error().Err(err).Msg("Failed to write to cache in background.")
		}
	}()
}

// Resolve looks up s without assigning an id.
func (x *CacheFallbackIndexer) Resolve(ctx context.Context, useCase types.UseCaseID, orgID int64, s string) (int64, error) {
	if id, ok := StaticID(s); ok {
		return id, nil
	}
	keys := NewKeyCollection()
	keys.Add(orgID, s)
	for _, cache := range x.caches {
		hits, err := cache.FetchFromCache(ctx, useCase, keys)
		if err != nil {
			continue
		}
		if id, ok := hits.Get(orgID, s); ok {
			return id, nil
		}
	}
	found, err := x.source.Fetch(ctx, useCase, keys)
	if err != nil {
		return 0, fmt.Errorf("error fetching from source: %w", err)
	}
	if id, ok := found.Get(orgID, s); ok {
		return id, nil
	}
	return 0, ErrStringNotFound
}

// ReverseResolve looks up the string with the given id.
func (x *CacheFallbackIndexer) ReverseResolve(ctx context.Context, useCase types.UseCaseID, orgID int64, id int64) (string, error) {
	if s, ok := StaticString(id); ok {
		return s, nil
	}
	return x.source.Reverse(ctx, useCase, orgID, id)
}

// Close waits for background cache writes, then closes every layer. It
// returns the first error encountered.
func (x *CacheFallbackIndexer) Close() error {
	x.writes.Wait()
	log := x.logger.With().Str("component", "CacheFallbackIndexerCleanup").Logger()
	log.Info().Msg("Closing indexer resources...")

	var firstErr error
	for _, cache := range x.caches {
		if err := cache.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing cache")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := x.source.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing source")
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
