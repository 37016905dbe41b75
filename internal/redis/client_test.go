package redis_test

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	iredis "github.com/aelexs/captionsync/internal/redis"
)

func newTestClient(t *testing.T) (*iredis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client := iredis.NewClient(iredis.Config{
		Addr:         mr.Addr(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		KeyPrefix:    "captionsync:",
	})
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})
	return client, mr
}

func TestNewClient(t *testing.T) {
	client, _ := newTestClient(t)

	require.NotNil(t, client.RDB, "client.RDB must be non-nil")
	assert.Equal(t, "captionsync:", client.Prefix())

	// Verify that RDB satisfies the Cmdable interface.
	var _ iredis.Cmdable = client.RDB
}

func TestPing(t *testing.T) {
	client, _ := newTestClient(t)
	require.NoError(t, client.Ping(context.Background(), time.Second))

	// Port 1 is never listening.
	down := iredis.NewClient(iredis.Config{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { _ = down.Close() })
	assert.Error(t, down.Ping(context.Background(), 200*time.Millisecond))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "captionsync:doc:words", iredis.Key("captionsync:", "doc", "words"))
	assert.Equal(t, "auth:state", iredis.Key("", "auth", "state"))
}

func TestIsNil(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.RDB.Get(context.Background(), "missing").Result()
	assert.True(t, iredis.IsNil(err))
	assert.False(t, iredis.IsNil(nil))
	assert.False(t, iredis.IsNil(fmt.Errorf("boom")))
}

func TestScanKeys(t *testing.T) {
	client, mr := newTestClient(t)

	for i := range 250 {
		mr.Set(fmt.Sprintf("captionsync:doc:%03d", i), "x")
	}
	mr.Set("other:doc:1", "x")

	keys, err := iredis.ScanKeys(context.Background(), client.RDB, "captionsync:*")
	require.NoError(t, err)
	assert.Len(t, keys, 250)

	sort.Strings(keys)
	assert.Equal(t, "captionsync:doc:000", keys[0])
}
