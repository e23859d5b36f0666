package blob_test

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aistore-edge/cachegate/blob"
	"github.com/aistore-edge/cachegate/cmn"
)

func TestInMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := blob.NewInMemory("test")

	err := store.Persist(ctx, "k1", cmn.NewTextData("hello"))
	require.NoError(t, err)

	data, err := store.Read(ctx, "k1")
	require.NoError(t, err)
	b, err := io.ReadAll(data.Reader)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestInMemoryNotFound(t *testing.T) {
	ctx := context.Background()
	store := blob.NewInMemory("test")
	_, err := store.Read(ctx, "missing")
	assert.ErrorIs(t, err, cmn.ErrNotFound)
}

func TestInMemoryRemove(t *testing.T) {
	ctx := context.Background()
	store := blob.NewInMemory("test")
	require.NoError(t, store.Persist(ctx, "k1", cmn.NewBytesData([]byte("x"))))
	require.NoError(t, store.Remove(ctx, "k1"))
	_, err := store.Read(ctx, "k1")
	assert.ErrorIs(t, err, cmn.ErrNotFound)
	assert.ErrorIs(t, store.Remove(ctx, "k1"), cmn.ErrNotFound)
}

func TestInMemoryIsolation(t *testing.T) {
	ctx := context.Background()
	a := blob.NewInMemory("a")
	b := blob.NewInMemory("b")
	require.NoError(t, a.Persist(ctx, "shared", cmn.NewTextData("from-a")))
	_, err := b.Read(ctx, "shared")
	assert.ErrorIs(t, err, cmn.ErrNotFound)
}
