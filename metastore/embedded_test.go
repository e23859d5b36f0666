package metastore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aistore-edge/cachegate/cmn"
	"github.com/aistore-edge/cachegate/metastore"
)

func TestEmbeddedLRURecordObserveEvict(t *testing.T) {
	ctx := context.Background()
	store, err := metastore.NewEmbeddedLRU("lru", ":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Record(ctx, "k1", 5))
	require.NoError(t, store.Record(ctx, "k2", 5))

	total, err := store.TotalSize(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 10, total)

	hit, err := store.Observe(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, hit)

	hit, err = store.Observe(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, hit)

	evicted, err := store.Evict(ctx, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"k2"}, evicted) // k1 was refreshed by Observe above

	total, err = store.TotalSize(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
}

func TestEmbeddedLRURemove(t *testing.T) {
	ctx := context.Background()
	store, err := metastore.NewEmbeddedLRU("lru-remove", ":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Record(ctx, "k1", 7))
	require.NoError(t, store.Remove(ctx, "k1"))

	total, err := store.TotalSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)

	hit, err := store.Observe(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, hit)

	assert.ErrorIs(t, store.Remove(ctx, "k1"), cmn.ErrNotFound)
}

func TestEmbeddedTTLRecordObserveRemove(t *testing.T) {
	ctx := context.Background()
	store, err := metastore.NewEmbeddedTTL("ttl", ":memory:", time.Hour)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Record(ctx, "k1", time.Minute))
	hit, err := store.Observe(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, hit)

	require.NoError(t, store.Remove(ctx, "k1"))
	hit, err = store.Observe(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, hit)

	assert.ErrorIs(t, store.Remove(ctx, "k1"), cmn.ErrNotFound)
}
