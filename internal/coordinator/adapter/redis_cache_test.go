package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/captionsync/internal/domain"
	redisclient "github.com/aelexs/captionsync/internal/redis"
)

var testStart = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redisclient.NewClient(redisclient.Config{
		Addr:         mr.Addr(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})

	return NewRedisCache(client.RDB, "cs:"), mr
}

type cachedWord struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func TestRedisCache_SetGet(t *testing.T) {
	cache, mr := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "docs:u1:words", []cachedWord{{ID: "a", Text: "uno"}}))
	assert.True(t, mr.Exists("cs:docs:u1:words"), "key should carry the prefix")
	assert.Zero(t, mr.TTL("cs:docs:u1:words"), "cache entries do not expire")

	var got []cachedWord
	found, err := cache.Get(ctx, "docs:u1:words", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []cachedWord{{ID: "a", Text: "uno"}}, got)
}

func TestRedisCache_GetMissing(t *testing.T) {
	cache, _ := newTestRedisCache(t)

	var got []cachedWord
	found, err := cache.Get(context.Background(), "nope", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCache_GetCorrupt(t *testing.T) {
	cache, mr := newTestRedisCache(t)
	require.NoError(t, mr.Set("cs:bad", "{"))

	var got []cachedWord
	_, err := cache.Get(context.Background(), "bad", &got)
	assert.Error(t, err)
}

func TestRedisCache_Delete(t *testing.T) {
	cache, mr := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "auth:state", map[string]bool{"isAuthenticated": true}))
	require.NoError(t, cache.Delete(ctx, "auth:state"))
	assert.False(t, mr.Exists("cs:auth:state"))
	require.NoError(t, cache.Delete(ctx, "auth:state"), "deleting a missing key succeeds")
}

func TestRedisCache_DeletePrefix(t *testing.T) {
	cache, mr := newTestRedisCache(t)
	ctx := context.Background()

	for _, k := range []string{"docs:u1:words", "docs:u2:words", "auth:state"} {
		require.NoError(t, cache.Set(ctx, k, "v"))
	}
	require.NoError(t, mr.Set("other:docs:x", "untouched"))

	require.NoError(t, cache.DeletePrefix(ctx, "docs:"))

	assert.False(t, mr.Exists("cs:docs:u1:words"))
	assert.False(t, mr.Exists("cs:docs:u2:words"))
	assert.True(t, mr.Exists("cs:auth:state"))
	assert.True(t, mr.Exists("other:docs:x"))

	require.NoError(t, cache.DeletePrefix(ctx, "docs:"), "empty prefix match is a no-op")
}

func TestRedisCache_Unreachable(t *testing.T) {
	client := redisclient.NewClient(redisclient.Config{Addr: "127.0.0.1:1", ReadTimeout: time.Second})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewRedisCache(client.RDB, "cs:")

	err := cache.Set(context.Background(), "k", "v")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}
