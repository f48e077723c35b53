//go:build integration

package indexer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-indexer/pkg/helpers/emulators"
	"github.com/illmade-knight/go-indexer/pkg/indexer"
	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)

	dsn := emulators.SetupPostgresContainer(t, ctx, emulators.GetDefaultPostgresConfig())
	store, err := indexer.NewPostgresStore(ctx, &indexer.PostgresConfig{DSN: dsn}, logger)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.EnsureSchema(ctx))

	t.Run("Insert reports first seen then reads", func(t *testing.T) {
		first, err := store.Insert(ctx, types.UseCaseTransactions, keysOf(1, "a", "b"))
		require.NoError(t, err)
		assert.Equal(t, indexer.FetchFirstSeen, fetchTypeOf(t, first, 1, "a"))
		assert.Equal(t, indexer.FetchFirstSeen, fetchTypeOf(t, first, 1, "b"))

		again, err := store.Insert(ctx, types.UseCaseTransactions, keysOf(1, "a", "c"))
		require.NoError(t, err)
		assert.Equal(t, indexer.FetchDBRead, fetchTypeOf(t, again, 1, "a"))
		assert.Equal(t, indexer.FetchFirstSeen, fetchTypeOf(t, again, 1, "c"))

		idFirst, _ := first.Get(1, "a")
		idAgain, _ := again.Get(1, "a")
		assert.Equal(t, idFirst, idAgain)
	})

	t.Run("Fetch only returns existing strings", func(t *testing.T) {
		found, err := store.Fetch(ctx, types.UseCaseTransactions, keysOf(1, "a", "unknown"))
		require.NoError(t, err)
		assert.Equal(t, 1, found.Len())
		assert.Equal(t, indexer.FetchDBRead, fetchTypeOf(t, found, 1, "a"))
	})

	t.Run("Reverse", func(t *testing.T) {
		found, err := store.Fetch(ctx, types.UseCaseTransactions, keysOf(1, "b"))
		require.NoError(t, err)
		id, ok := found.Get(1, "b")
		require.True(t, ok)

		s, err := store.Reverse(ctx, types.UseCaseTransactions, 1, id)
		require.NoError(t, err)
		assert.Equal(t, "b", s)

		_, err = store.Reverse(ctx, types.UseCaseSessions, 1, id)
		assert.ErrorIs(t, err, indexer.ErrStringNotFound)
	})

	t.Run("Concurrent inserts agree on ids", func(t *testing.T) {
		const workers = 4
		ids := make([]int64, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results, err := store.Insert(ctx, types.UseCaseSpans, keysOf(2, "race"))
				if err == nil {
					ids[i], _ = results.Get(2, "race")
				}
			}(i)
		}
		wg.Wait()
		for _, id := range ids {
			assert.NotZero(t, id)
			assert.Equal(t, ids[0], id)
		}
	})
}

func TestNewPostgresStore_RejectsBadTable(t *testing.T) {
	_, err := indexer.NewPostgresStore(context.Background(), &indexer.PostgresConfig{
		DSN:   "postgres://localhost/indexer",
		Table: "strings; DROP TABLE x",
	}, zerolog.Nop())
	assert.Error(t, err)
}
