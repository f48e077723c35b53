package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/illmade-knight/go-indexer/pkg/types"
)

// ====================================================================================
// This file defines the contracts of the string resolution store: the indexer
// used by the processor, the caches in front of it and its source of truth.
// ====================================================================================

// ErrStringNotFound is returned when a string, or an id, is unknown.
var ErrStringNotFound = errors.New("string not indexed")

// StringIndexer resolves strings to ids, assigning ids to strings seen for
// the first time.
type StringIndexer interface {
	// BulkRecord resolves every key in one call. Keys the store declines to
	// index come back as FetchRateLimited entries without an id.
	BulkRecord(ctx context.Context, useCase types.UseCaseID, keys *KeyCollection) (*KeyResults, error)
	// Resolve looks up the id of s without assigning one.
	Resolve(ctx context.Context, useCase types.UseCaseID, orgID int64, s string) (int64, error)
	// ReverseResolve looks up the string with the given id.
	ReverseResolve(ctx context.Context, useCase types.UseCaseID, orgID int64, id int64) (string, error)
	io.Closer
}

// Cache is a caching layer in front of a Source.
type Cache interface {
	// FetchFromCache returns the hits among keys. Misses are simply absent
	// from the results. An error means the cache itself failed.
	FetchFromCache(ctx context.Context, useCase types.UseCaseID, keys *KeyCollection) (*KeyResults, error)
	// WriteToCache stores every resolved entry of results.
	WriteToCache(ctx context.Context, useCase types.UseCaseID, results *KeyResults) error
	io.Closer
}

// Source is the source of truth for string ids.
type Source interface {
	// Fetch returns the ids of the keys already indexed.
	Fetch(ctx context.Context, useCase types.UseCaseID, keys *KeyCollection) (*KeyResults, error)
	// Insert assigns ids to keys, returning every key's id. Keys created by
	// this call are reported as FetchFirstSeen, keys that already existed as
	// FetchDBRead.
	Insert(ctx context.Context, useCase types.UseCaseID, keys *KeyCollection) (*KeyResults, error)
	// Reverse returns the string with the given id, or ErrStringNotFound.
	Reverse(ctx context.Context, useCase types.UseCaseID, orgID int64, id int64) (string, error)
	io.Closer
}

// IndexerStorage is the closed set of source-of-truth backends.
type IndexerStorage string

const (
	StoragePostgres  IndexerStorage = "postgres"
	StorageFirestore IndexerStorage = "firestore"
	StorageMock      IndexerStorage = "mock"
)

// ParseIndexerStorage validates a configured backend name.
func ParseIndexerStorage(s string) (IndexerStorage, error) {
	switch IndexerStorage(s) {
	case StoragePostgres, StorageFirestore, StorageMock:
		return IndexerStorage(s), nil
	}
	return "", fmt.Errorf("unknown indexer storage %q", s)
}

func cacheKey(useCase types.UseCaseID, orgID int64, s string) string {
	return fmt.Sprintf("%s:%d:%s", useCase, orgID, s)
}
