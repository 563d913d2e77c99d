package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*SharedCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewSharedCacheFromClient(client), mr
}

func TestSharedCacheGetMiss(t *testing.T) {
	cache, _ := newTestCache(t)

	val, found, err := cache.Get(context.Background(), "missing-key")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, val)
}

func TestSharedCacheSetExAndGet(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	err := cache.SetEx(ctx, "tenant:slug:acme", `{"id":42}`, 5*time.Minute)
	require.NoError(t, err)

	val, found, err := cache.Get(ctx, "tenant:slug:acme")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"id":42}`, val)

	// entry expires with the TTL
	mr.FastForward(6 * time.Minute)

	_, found, err = cache.Get(ctx, "tenant:slug:acme")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSharedCacheDelete(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.SetEx(ctx, "a", "1", time.Minute))
	require.NoError(t, cache.SetEx(ctx, "b", "2", time.Minute))

	require.NoError(t, cache.Delete(ctx, "a", "b"))

	_, found, err := cache.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)

	// deleting nothing is a no-op
	require.NoError(t, cache.Delete(ctx))
}

func TestSharedCacheDeletePattern(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.SetEx(ctx, "tenant:7:permissions:user:1", "x", time.Minute))
	require.NoError(t, cache.SetEx(ctx, "tenant:7:permissions:user:2", "y", time.Minute))
	require.NoError(t, cache.SetEx(ctx, "tenant:8:permissions:user:1", "z", time.Minute))

	require.NoError(t, cache.DeletePattern(ctx, "tenant:7:permissions:*"))

	_, found, err := cache.Get(ctx, "tenant:7:permissions:user:1")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = cache.Get(ctx, "tenant:7:permissions:user:2")
	require.NoError(t, err)
	assert.False(t, found)

	val, found, err := cache.Get(ctx, "tenant:8:permissions:user:1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "z", val)
}

func TestSharedCacheGetErrorAfterOutage(t *testing.T) {
	cache, mr := newTestCache(t)
	mr.Close()

	_, found, err := cache.Get(context.Background(), "anything")
	assert.Error(t, err)
	assert.False(t, found)
}

func TestSharedCachePing(t *testing.T) {
	cache, mr := newTestCache(t)

	assert.NoError(t, cache.Ping(context.Background()))

	mr.Close()
	assert.Error(t, cache.Ping(context.Background()))
}

func TestNewSharedCacheInvalidURL(t *testing.T) {
	config := DefaultConfig()
	config.RedisURL = "not-a-url"

	_, err := NewSharedCache(config)
	assert.Error(t, err)
}
