package watermark

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreGetMissing(t *testing.T) {
	store := NewMemStore()

	_, ok, err := store.Get(context.Background(), "acme.unit.U1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemStorePutGet(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Put(ctx, "acme.unit.U1", Watermark{Version: 3, SyncedAt: now}))

	wm, ok, err := store.Get(ctx, "acme.unit.U1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), wm.Version)
	assert.Equal(t, now, wm.SyncedAt)
}

func TestMemStoreOverwrite(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "acme.unit.U1", Watermark{Version: 1}))
	require.NoError(t, store.Put(ctx, "acme.unit.U1", Watermark{Version: 2}))

	wm, ok, err := store.Get(ctx, "acme.unit.U1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), wm.Version)
}

func TestMemStoreIsolatesIdentities(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "acme.unit.U1", Watermark{Version: 5}))

	_, ok, err := store.Get(ctx, "beta.unit.U1")
	require.NoError(t, err)
	assert.False(t, ok)
}
