package kv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func newTestBolt(t *testing.T) Store {
	t.Helper()
	store, err := openBolt(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store, _ := newTestRedis(t)
	ctx := context.Background()

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "etag:abc", `W/"v1"`, time.Hour))

	val, found, err := store.Get(ctx, "etag:abc")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `W/"v1"`, val)

	require.NoError(t, store.Delete(ctx, "etag:abc"))
	_, found, err = store.Get(ctx, "etag:abc")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStoreTTLExpiry(t *testing.T) {
	store, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))
	mr.FastForward(2 * time.Minute)

	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStoreSetNX(t *testing.T) {
	store, _ := newTestRedis(t)
	ctx := context.Background()

	claimed, err := store.SetNX(ctx, "lock:src", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = store.SetNX(ctx, "lock:src", "1", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, store.Delete(ctx, "lock:src"))
	claimed, err = store.SetNX(ctx, "lock:src", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestBoltStoreRoundTrip(t *testing.T) {
	store := newTestBolt(t)
	ctx := context.Background()

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "etag:abc", `W/"v1"`, time.Hour))

	val, found, err := store.Get(ctx, "etag:abc")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `W/"v1"`, val)
}

func TestBoltStoreExpiredKeyNotReturned(t *testing.T) {
	store := newTestBolt(t)
	ctx := context.Background()

	// Negative TTL encodes an already-expired entry.
	require.NoError(t, store.Set(ctx, "k", "v", -time.Minute))

	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBoltStoreSetNX(t *testing.T) {
	store := newTestBolt(t)
	ctx := context.Background()

	claimed, err := store.SetNX(ctx, "lock:src", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = store.SetNX(ctx, "lock:src", "1", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)

	// Expired lock can be re-claimed.
	require.NoError(t, store.Set(ctx, "lock:src", "1", -time.Minute))
	claimed, err = store.SetNX(ctx, "lock:src", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestNewStoreRejectsUnknownBackend(t *testing.T) {
	_, err := NewStore("etcd", Options{})
	assert.Error(t, err)
}
