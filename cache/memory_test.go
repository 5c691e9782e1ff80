package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Vincy69/mcp-drupal-server-sub002/logger"
	"github.com/Vincy69/mcp-drupal-server-sub002/types"
)

func newTestCache(t *testing.T, config *types.CacheConfig) types.CacheManager {
	t.Helper()

	cache, err := NewMemoryCache(context.Background(), logger.NewZapWrapper(zap.NewNop()), config)
	require.NoError(t, err)

	return cache
}

func TestSetAndGet(t *testing.T) {
	cache := newTestCache(t, nil)

	require.NoError(t, cache.Set("node:1", map[string]interface{}{"title": "About"}, time.Minute))

	value, found := cache.Get("node:1")
	require.True(t, found)
	assert.Equal(t, map[string]interface{}{"title": "About"}, value)

	_, found = cache.Get("node:2")
	assert.False(t, found)
}

func TestEntrySnapshot(t *testing.T) {
	cache := newTestCache(t, &types.CacheConfig{CompressionThreshold: 64})

	store, ok := cache.(*MemoryCache)
	require.True(t, ok)

	require.NoError(t, cache.Set("node:1", "small", time.Minute))

	entry, found := store.Entry("node:1")
	require.True(t, found)
	assert.Equal(t, "node:1", entry.Key)
	assert.Equal(t, "small", entry.Value)
	assert.InDelta(t, time.Minute, entry.TTL, float64(time.Second))
	assert.False(t, entry.ExpiresAt.Before(entry.CreatedAt))

	// Inspection does not count as an access.
	_, _ = cache.Get("node:1")
	before := store.Stats().Hits
	snapshot, found := store.Entry("node:1")
	require.True(t, found)
	assert.Equal(t, uint64(1), snapshot.AccessCount)
	assert.Equal(t, before, store.Stats().Hits)

	// Compressed values come back decompressed.
	big := strings.Repeat("drupal hook documentation ", 20)
	require.NoError(t, cache.Set("node:big", big, time.Minute))
	entry, found = store.Entry("node:big")
	require.True(t, found)
	assert.Equal(t, big, entry.Value)

	_, found = store.Entry("node:missing")
	assert.False(t, found)
}

func TestSetEmptyKey(t *testing.T) {
	cache := newTestCache(t, nil)

	err := cache.Set("", "value", time.Minute)
	assert.ErrorIs(t, err, types.ErrCacheKeyEmpty)
}

func TestGetExpiredEntry(t *testing.T) {
	cache := newTestCache(t, nil)

	require.NoError(t, cache.Set("ephemeral", "value", 10*time.Millisecond))

	_, found := cache.Get("ephemeral")
	require.True(t, found)

	time.Sleep(30 * time.Millisecond)

	_, found = cache.Get("ephemeral")
	assert.False(t, found)

	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Expired)
	assert.Equal(t, 0, stats.Size)
}

func TestLRUEviction(t *testing.T) {
	cache := newTestCache(t, &types.CacheConfig{
		Enabled:    true,
		Type:       "memory",
		MaxEntries: 2,
	})

	require.NoError(t, cache.Set("a", 1, time.Minute))
	require.NoError(t, cache.Set("b", 2, time.Minute))
	require.NoError(t, cache.Set("c", 3, time.Minute))

	_, found := cache.Get("a")
	assert.False(t, found, "oldest entry should have been evicted")

	_, found = cache.Get("b")
	assert.True(t, found)

	_, found = cache.Get("c")
	assert.True(t, found)

	stats := cache.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, uint64(1), stats.Evictions)
}

func TestLRUEvictionRespectsRecency(t *testing.T) {
	cache := newTestCache(t, &types.CacheConfig{
		Enabled:    true,
		Type:       "memory",
		MaxEntries: 2,
	})

	require.NoError(t, cache.Set("a", 1, time.Minute))
	require.NoError(t, cache.Set("b", 2, time.Minute))

	// Touching a makes b the eviction victim.
	_, found := cache.Get("a")
	require.True(t, found)

	require.NoError(t, cache.Set("c", 3, time.Minute))

	_, found = cache.Get("a")
	assert.True(t, found)

	_, found = cache.Get("b")
	assert.False(t, found)
}

func TestMemoryBoundEnforced(t *testing.T) {
	maxMemory := uint64(4 << 10)
	cache := newTestCache(t, &types.CacheConfig{
		Enabled:   true,
		Type:      "memory",
		MaxMemory: maxMemory,
	})

	for i := 0; i < 50; i++ {
		key := "key:" + strings.Repeat("x", i)
		require.NoError(t, cache.Set(key, strings.Repeat("v", 256), time.Minute))

		stats := cache.Stats()
		assert.LessOrEqual(t, stats.MemoryUsageBytes, maxMemory)
	}
}

func TestValueTooLargeRejected(t *testing.T) {
	cache := newTestCache(t, &types.CacheConfig{
		Enabled:   true,
		Type:      "memory",
		MaxMemory: 512,
	})

	err := cache.Set("huge", strings.Repeat("z", 2048), time.Minute)
	assert.ErrorIs(t, err, types.ErrCacheValueTooLarge)

	stats := cache.Stats()
	assert.Equal(t, 0, stats.Size)
}

func TestInvalidateExactKey(t *testing.T) {
	cache := newTestCache(t, nil)

	require.NoError(t, cache.Set("node:1", "a", time.Minute))
	require.NoError(t, cache.Set("node:2", "b", time.Minute))

	removed, err := cache.Invalidate("node:1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, found := cache.Get("node:1")
	assert.False(t, found)

	_, found = cache.Get("node:2")
	assert.True(t, found)
}

func TestInvalidateGlob(t *testing.T) {
	cache := newTestCache(t, nil)

	require.NoError(t, cache.Set("node:1", "a", time.Minute))
	require.NoError(t, cache.Set("node:2", "b", time.Minute))
	require.NoError(t, cache.Set("user:1", "c", time.Minute))

	removed, err := cache.Invalidate("node:*")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, found := cache.Get("user:1")
	assert.True(t, found)
}

func TestInvalidateBadPattern(t *testing.T) {
	cache := newTestCache(t, nil)

	_, err := cache.Invalidate("[")
	assert.ErrorIs(t, err, types.ErrCachePatternInvalid)

	_, err = cache.Invalidate("")
	assert.ErrorIs(t, err, types.ErrCacheKeyEmpty)
}

func TestCompressionRoundTrip(t *testing.T) {
	cache := newTestCache(t, &types.CacheConfig{
		Enabled:              true,
		Type:                 "memory",
		CompressionThreshold: 64,
	})

	original := strings.Repeat("drupal documentation ", 512)
	require.NoError(t, cache.Set("doc:big", original, time.Minute))

	value, found := cache.Get("doc:big")
	require.True(t, found)
	assert.Equal(t, original, value)
}

func TestStatsAccounting(t *testing.T) {
	cache := newTestCache(t, nil)

	require.NoError(t, cache.Set("k", "v", time.Minute))

	_, _ = cache.Get("k")
	_, _ = cache.Get("k")
	_, _ = cache.Get("missing")

	stats := cache.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(3), stats.TotalRequests)
	assert.InDelta(t, 2.0/3.0, stats.HitRatio, 0.001)
}

func TestOverwriteReplacesEntry(t *testing.T) {
	cache := newTestCache(t, nil)

	require.NoError(t, cache.Set("k", "old", time.Minute))
	require.NoError(t, cache.Set("k", "new", time.Minute))

	value, found := cache.Get("k")
	require.True(t, found)
	assert.Equal(t, "new", value)

	stats := cache.Stats()
	assert.Equal(t, 1, stats.Size)
}

func TestLifecycle(t *testing.T) {
	cache := newTestCache(t, &types.CacheConfig{
		Enabled:         true,
		Type:            "memory",
		CleanupInterval: 10 * time.Millisecond,
	})

	require.NoError(t, cache.Start())
	assert.True(t, cache.IsRunning())
	assert.ErrorIs(t, cache.Start(), types.ErrManagerAlreadyRunning)

	require.NoError(t, cache.Set("k", "v", 5*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	stats := cache.Stats()
	assert.Equal(t, 0, stats.Size, "cleanup routine should drop expired entries")

	require.NoError(t, cache.Stop())
	assert.False(t, cache.IsRunning())
}
