package indexer

import (
	"context"
	"sync"

	"github.com/illmade-knight/go-indexer/pkg/types"
)

// MemoryStore is the mock source of truth: ids live in process memory and
// are lost on restart. It is safe for concurrent use, so every worker of a
// process can share one instance.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	strings map[types.UseCaseID]map[int64]map[string]int64
	reverse map[types.UseCaseID]map[int64]map[int64]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[types.UseCaseID]map[int64]map[string]int64),
		reverse: make(map[types.UseCaseID]map[int64]map[int64]string),
	}
}

func (m *MemoryStore) Fetch(ctx context.Context, useCase types.UseCaseID, keys *KeyCollection) (*KeyResults, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	found := NewKeyResults()
	keys.Each(func(org int64, s string) {
		if id, ok := m.strings[useCase][org][s]; ok {
			found.Add(org, s, id, FetchDBRead)
		}
	})
	return found, nil
}

func (m *MemoryStore) Insert(ctx context.Context, useCase types.UseCaseID, keys *KeyCollection) (*KeyResults, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.strings[useCase]; !ok {
		m.strings[useCase] = make(map[int64]map[string]int64)
		m.reverse[useCase] = make(map[int64]map[int64]string)
	}
	out := NewKeyResults()
	keys.Each(func(org int64, s string) {
		if _, ok := m.strings[useCase][org]; !ok {
			m.strings[useCase][org] = make(map[string]int64)
			m.reverse[useCase][org] = make(map[int64]string)
		}
		if id, ok := m.strings[useCase][org][s]; ok {
			out.Add(org, s, id, FetchDBRead)
			return
		}
		m.nextID++
		m.strings[useCase][org][s] = m.nextID
		m.reverse[useCase][org][m.nextID] = s
		out.Add(org, s, m.nextID, FetchFirstSeen)
	})
	return out, nil
}

func (m *MemoryStore) Reverse(_ context.Context, useCase types.UseCaseID, orgID int64, id int64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.reverse[useCase][orgID][id]
	if !ok {
		return "", ErrStringNotFound
	}
	return s, nil
}

// Close is a no-op; a shared MemoryStore outlives any one worker.
func (m *MemoryStore) Close() error {
	return nil
}
