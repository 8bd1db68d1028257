// Package storetest holds the behaviour every store.DocumentStore adapter must share, as a reusable test suite.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/spearmint/internal/common/spearminterrors"
	"github.com/G-Research/spearmint/internal/spearmint/store"
)

// Run executes the suite, creating a fresh empty store for every sub-test.
func Run(t *testing.T, newStore func(t *testing.T) store.DocumentStore) {
	tests := map[string]func(t *testing.T, s store.DocumentStore){
		"load from empty collection":        testLoadEmpty,
		"insert preserves order":            testInsertOrder,
		"load with filter":                  testLoadWithFilter,
		"upsert replaces single match":      testUpsertReplaces,
		"upsert inserts when nothing match": testUpsertInserts,
		"singleton save with empty filter":  testSingletonSave,
		"ambiguous save":                    testAmbiguousSave,
		"drop":                              testDrop,
		"increment":                         testIncrement,
		"concurrent increments":             testConcurrentIncrement,
		"compare and swap":                  testCompareAndSwap,
		"experiments":                       testExperiments,
		"cancelled context":                 testCancelledContext,
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			test(t, newStore(t))
		})
	}
}

const (
	experiment = "alice.branin"
	collection = "jobs"
)

func mustSave(t *testing.T, s store.DocumentStore, doc store.Document, filter store.Filter) {
	require.NoError(t, s.Save(context.Background(), doc, experiment, collection, filter))
}

func testLoadEmpty(t *testing.T, s store.DocumentStore) {
	docs, err := s.Load(context.Background(), experiment, collection, store.All)
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)
}

func testInsertOrder(t *testing.T, s store.DocumentStore) {
	for i := 1; i <= 5; i++ {
		mustSave(t, s, store.Document{"id": i}, nil)
	}
	docs, err := s.Load(context.Background(), experiment, collection, store.All)
	require.NoError(t, err)
	require.Len(t, docs, 5)
	for i, doc := range docs {
		assert.Equal(t, float64(i+1), doc["id"])
	}
}

func testLoadWithFilter(t *testing.T, s store.DocumentStore) {
	mustSave(t, s, store.Document{"id": 1, "status": "complete"}, nil)
	mustSave(t, s, store.Document{"id": 2, "status": "pending"}, nil)
	mustSave(t, s, store.Document{"id": 3, "status": "pending"}, nil)

	docs, err := s.Load(context.Background(), experiment, collection, store.Filter{"status": "pending"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, float64(2), docs[0]["id"])
	assert.Equal(t, float64(3), docs[1]["id"])

	docs, err = s.Load(context.Background(), experiment, collection, store.Filter{"id": 1})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "complete", docs[0]["status"])

	docs, err = s.Load(context.Background(), experiment, collection, store.Filter{"id": 4})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func testUpsertReplaces(t *testing.T, s store.DocumentStore) {
	mustSave(t, s, store.Document{"id": 1, "status": "pending"}, nil)
	mustSave(t, s, store.Document{"id": 2, "status": "pending"}, nil)
	mustSave(t, s, store.Document{"id": 1, "status": "complete"}, store.Filter{"id": 1})

	docs, err := s.Load(context.Background(), experiment, collection, store.All)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, store.Document{"id": float64(1), "status": "complete"}, docs[0])
	assert.Equal(t, store.Document{"id": float64(2), "status": "pending"}, docs[1])
}

func testUpsertInserts(t *testing.T, s store.DocumentStore) {
	mustSave(t, s, store.Document{"id": 1}, store.Filter{"id": 1})
	docs, err := s.Load(context.Background(), experiment, collection, store.All)
	require.NoError(t, err)
	assert.Equal(t, []store.Document{{"id": float64(1)}}, docs)
}

func testSingletonSave(t *testing.T, s store.DocumentStore) {
	mustSave(t, s, store.Document{"scale": 1.0}, store.All)
	mustSave(t, s, store.Document{"scale": 0.5, "fits": 2}, store.All)

	docs, err := s.Load(context.Background(), experiment, collection, store.All)
	require.NoError(t, err)
	assert.Equal(t, []store.Document{{"scale": 0.5, "fits": float64(2)}}, docs)
}

func testAmbiguousSave(t *testing.T, s store.DocumentStore) {
	mustSave(t, s, store.Document{"status": "pending"}, nil)
	mustSave(t, s, store.Document{"status": "pending"}, nil)

	err := s.Save(context.Background(), store.Document{"status": "complete"}, experiment, collection, store.Filter{"status": "pending"})
	var invariantErr *spearminterrors.ErrInvariant
	assert.ErrorAs(t, err, &invariantErr)

	docs, err := s.Load(context.Background(), experiment, collection, store.Filter{"status": "pending"})
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func testDrop(t *testing.T, s store.DocumentStore) {
	ctx := context.Background()
	mustSave(t, s, store.Document{"id": 1}, nil)
	require.NoError(t, s.Save(ctx, store.Document{"next_id": 1}, experiment, "profile", store.All))
	require.NoError(t, s.Save(ctx, store.Document{"id": 1}, "bob.other", collection, nil))

	require.NoError(t, s.Drop(ctx, experiment, collection))
	// Dropping a missing collection is not an error.
	require.NoError(t, s.Drop(ctx, experiment, "hypers"))

	docs, err := s.Load(ctx, experiment, collection, store.All)
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = s.Load(ctx, experiment, "profile", store.All)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	docs, err = s.Load(ctx, "bob.other", collection, store.All)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func testIncrement(t *testing.T, s store.DocumentStore) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, store.Document{"next_id": 1, "name": "branin"}, experiment, "profile", store.All))

	for expected := int64(2); expected <= 4; expected++ {
		v, err := s.Increment(ctx, experiment, "profile", store.All, "next_id")
		require.NoError(t, err)
		assert.Equal(t, expected, v)
	}

	docs, err := s.Load(ctx, experiment, "profile", store.All)
	require.NoError(t, err)
	assert.Equal(t, []store.Document{{"next_id": float64(4), "name": "branin"}}, docs)

	_, err = s.Increment(ctx, "alice.missing", "profile", store.All, "next_id")
	var notFoundErr *spearminterrors.ErrNotFound
	assert.ErrorAs(t, err, &notFoundErr)
}

func testConcurrentIncrement(t *testing.T, s store.DocumentStore) {
	const n = 20
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, store.Document{"next_id": 1}, experiment, "profile", store.All))

	values := make([]int64, n)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			v, err := s.Increment(ctx, experiment, "profile", store.All, "next_id")
			values[i] = v
			return err
		})
	}
	require.NoError(t, g.Wait())

	seen := map[int64]bool{}
	for _, v := range values {
		assert.False(t, seen[v], "duplicate value %d", v)
		seen[v] = true
	}
	for v := int64(2); v <= n+1; v++ {
		assert.True(t, seen[v], "missing value %d", v)
	}
}

func testCompareAndSwap(t *testing.T, s store.DocumentStore) {
	ctx := context.Background()
	mustSave(t, s, store.Document{"id": 1, "status": "pending"}, nil)
	mustSave(t, s, store.Document{"id": 2, "status": "pending"}, nil)

	swapped, err := s.CompareAndSwap(ctx, store.Document{"id": 1, "status": "complete", "value": 1.5},
		experiment, collection, store.Filter{"id": 1}, store.Filter{"status": "pending"})
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = s.CompareAndSwap(ctx, store.Document{"id": 1, "status": "complete", "value": 2.5},
		experiment, collection, store.Filter{"id": 1}, store.Filter{"status": "pending"})
	require.NoError(t, err)
	assert.False(t, swapped)

	docs, err := s.Load(ctx, experiment, collection, store.Filter{"id": 1})
	require.NoError(t, err)
	assert.Equal(t, []store.Document{{"id": float64(1), "status": "complete", "value": 1.5}}, docs)

	docs, err = s.Load(ctx, experiment, collection, store.Filter{"id": 2})
	require.NoError(t, err)
	assert.Equal(t, "pending", docs[0]["status"])

	_, err = s.CompareAndSwap(ctx, store.Document{"id": 9}, experiment, collection, store.Filter{"id": 9}, store.All)
	var notFoundErr *spearminterrors.ErrNotFound
	assert.ErrorAs(t, err, &notFoundErr)
}

func testExperiments(t *testing.T, s store.DocumentStore) {
	ctx := context.Background()
	names, err := s.Experiments(ctx, "profile")
	require.NoError(t, err)
	assert.Empty(t, names)

	for _, name := range []string{"bob.rosen", "alice.branin", "alice.hartmann"} {
		require.NoError(t, s.Save(ctx, store.Document{"next_id": 1}, name, "profile", store.All))
	}
	require.NoError(t, s.Save(ctx, store.Document{"id": 1}, "carol.jobs-only", collection, nil))

	names, err = s.Experiments(ctx, "profile")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice.branin", "alice.hartmann", "bob.rosen"}, names)

	require.NoError(t, s.Drop(ctx, "bob.rosen", "profile"))
	names, err = s.Experiments(ctx, "profile")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice.branin", "alice.hartmann"}, names)
}

func testCancelledContext(t *testing.T, s store.DocumentStore) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Load(ctx, experiment, collection, store.All)
	var unavailableErr *spearminterrors.ErrStoreUnavailable
	assert.ErrorAs(t, err, &unavailableErr)
	assert.True(t, spearminterrors.IsRetryable(err))

	err = s.Save(ctx, store.Document{"id": 1}, experiment, collection, nil)
	assert.ErrorAs(t, err, &unavailableErr)
}
