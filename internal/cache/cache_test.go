package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusops/nimbus/internal/config"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(8)

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "report", []byte(`{"id":"r1"}`), time.Minute))
	got, ok, err := c.Get(ctx, "report")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"id":"r1"}`, string(got))

	require.NoError(t, c.Delete(ctx, "report"))
	_, ok, err = c.Get(ctx, "report")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCopiesValues(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(8)

	original := []byte("abc")
	require.NoError(t, c.Set(ctx, "k", original, time.Minute))
	original[0] = 'z'

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", string(got))

	got[1] = 'z'
	again, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", string(again))
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(8)

	now := time.Now()
	c.now = func() time.Time { return now }
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry should be dropped on read")
}

func TestMemoryEvictsLeastRecentlyAccessed(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(3)

	now := time.Now()
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		now = now.Add(time.Second)
		require.NoError(t, c.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Hour))
	}

	// Touch k0 so k1 becomes the eviction candidate.
	now = now.Add(time.Second)
	_, ok, err := c.Get(ctx, "k0")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(time.Second)
	require.NoError(t, c.Set(ctx, "k3", []byte("v"), time.Hour))
	assert.Equal(t, 3, c.Len())

	_, ok, _ = c.Get(ctx, "k1")
	assert.False(t, ok, "least recently accessed entry should be evicted")
	for _, key := range []string{"k0", "k2", "k3"} {
		_, ok, _ = c.Get(ctx, key)
		assert.True(t, ok, "entry %s should survive eviction", key)
	}
}

func TestMemoryIgnoresNonPositiveTTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(8)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewSelectsMemoryWithoutRedis(t *testing.T) {
	c, err := New(config.CacheConfig{TTL: "5m"})
	require.NoError(t, err)
	defer c.Close()
	_, isMemory := c.(*Memory)
	assert.True(t, isMemory)
}
