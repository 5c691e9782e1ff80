package flight

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Vincy69/mcp-drupal-server-sub002/advisor"
	"github.com/Vincy69/mcp-drupal-server-sub002/cache"
	"github.com/Vincy69/mcp-drupal-server-sub002/logger"
	"github.com/Vincy69/mcp-drupal-server-sub002/types"
)

// passthroughPipeline runs the producer directly, the way the real pipeline
// does on its first successful attempt.
type passthroughPipeline struct{}

func (p passthroughPipeline) Fetch(ctx context.Context, key string, producer types.Producer) (types.FetchResult, error) {
	value, err := producer(ctx)
	if err != nil {
		return types.FetchResult{}, err
	}
	return types.FetchResult{Value: value}, nil
}

type stubPipeline struct {
	result types.FetchResult
	err    error
	calls  atomic.Int32
}

func (p *stubPipeline) Fetch(ctx context.Context, key string, producer types.Producer) (types.FetchResult, error) {
	p.calls.Add(1)
	return p.result, p.err
}

func newTestCoordinator(t *testing.T, pipeline types.FetchPipeline, config *types.ResolverConfig) (*Coordinator, types.CacheManager, *advisor.Engine) {
	t.Helper()

	log := logger.NewZapWrapper(zap.NewNop())

	store, err := cache.NewMemoryCache(context.Background(), log, nil)
	require.NoError(t, err)

	engine := advisor.NewEngine(nil)
	coordinator := NewCoordinator(log, nil, store, pipeline, engine, config)

	return coordinator, store, engine
}

func TestResolveValidation(t *testing.T) {
	coordinator, _, _ := newTestCoordinator(t, passthroughPipeline{}, nil)

	_, err := coordinator.Resolve(context.Background(), "", time.Minute, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, types.ErrCacheKeyEmpty)

	_, err = coordinator.Resolve(context.Background(), "key", time.Minute, nil)
	assert.Error(t, err)
}

func TestResolveCachesProducedValue(t *testing.T) {
	coordinator, _, engine := newTestCoordinator(t, passthroughPipeline{}, nil)

	var calls atomic.Int32
	producer := func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		return "value", nil
	}

	value, err := coordinator.Resolve(context.Background(), "k", time.Minute, producer)
	require.NoError(t, err)
	assert.Equal(t, "value", value)
	assert.Equal(t, int32(1), calls.Load())

	// Second resolve is answered from the cache.
	value, err = coordinator.Resolve(context.Background(), "k", time.Minute, producer)
	require.NoError(t, err)
	assert.Equal(t, "value", value)
	assert.Equal(t, int32(1), calls.Load())

	performance := engine.Performance()
	assert.Equal(t, uint64(2), performance.TotalRequests)
	assert.Equal(t, uint64(1), performance.Hits)
	assert.Equal(t, uint64(1), performance.Misses)
}

func TestResolveDeduplicatesConcurrentRequests(t *testing.T) {
	coordinator, _, _ := newTestCoordinator(t, passthroughPipeline{}, nil)

	var calls atomic.Int32
	release := make(chan struct{})
	producer := func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		<-release
		return "shared", nil
	}

	const workers = 50

	var wg sync.WaitGroup
	results := make([]interface{}, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = coordinator.Resolve(context.Background(), "hot", time.Minute, producer)
		}(i)
	}

	// Give the workers time to pile onto the same flight before the
	// producer finishes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "producer should run once for concurrent identical keys")
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i])
	}
}

func TestResolveWaiterSurvivesLeaderCancellation(t *testing.T) {
	coordinator, _, _ := newTestCoordinator(t, passthroughPipeline{}, nil)

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	producer := func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		close(started)
		select {
		case <-release:
			return "settled", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	defer cancelLeader()

	var wg sync.WaitGroup
	var leaderValue, waiterValue interface{}
	var leaderErr, waiterErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		leaderValue, leaderErr = coordinator.Resolve(leaderCtx, "hot", time.Minute, producer)
	}()

	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		waiterValue, waiterErr = coordinator.Resolve(context.Background(), "hot", time.Minute, producer)
	}()

	// Let the second caller attach to the in-flight fetch, then cancel the
	// caller that started it.
	time.Sleep(20 * time.Millisecond)
	cancelLeader()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, waiterErr, "an attached caller must get a settled result, not the leader's cancellation")
	assert.Equal(t, "settled", waiterValue)
	require.NoError(t, leaderErr)
	assert.Equal(t, "settled", leaderValue)
	assert.Equal(t, int32(1), calls.Load())
}

func TestResolveErrorNotCached(t *testing.T) {
	pipeline := &stubPipeline{err: types.Errorf(types.ErrUpstreamExhausted, "attempts: 4")}
	coordinator, store, engine := newTestCoordinator(t, pipeline, nil)

	_, err := coordinator.Resolve(context.Background(), "failing", time.Minute, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUpstreamExhausted)

	_, found := store.Get("failing")
	assert.False(t, found)

	performance := engine.Performance()
	assert.Equal(t, uint64(1), performance.Errors)
}

func TestResolveSubstituteCachedWithShortTTL(t *testing.T) {
	pipeline := &stubPipeline{result: types.FetchResult{Value: "stale-docs", Substitute: true}}
	coordinator, store, engine := newTestCoordinator(t, pipeline, &types.ResolverConfig{
		SubstituteTTL: 30 * time.Millisecond,
	})

	value, err := coordinator.Resolve(context.Background(), "degraded", time.Hour, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "stale-docs", value)

	// Substitute answers count as errors so operators see the degradation.
	performance := engine.Performance()
	assert.Equal(t, uint64(1), performance.Errors)

	_, found := store.Get("degraded")
	require.True(t, found, "substitute should be cached")

	time.Sleep(60 * time.Millisecond)

	_, found = store.Get("degraded")
	assert.False(t, found, "substitute should expire quickly so the upstream is retried")
}

func TestResolveSubstituteCachingDisabled(t *testing.T) {
	pipeline := &stubPipeline{result: types.FetchResult{Value: "stale-docs", Substitute: true}}
	coordinator, store, _ := newTestCoordinator(t, pipeline, &types.ResolverConfig{
		SubstituteTTL: 0,
	})

	value, err := coordinator.Resolve(context.Background(), "degraded", time.Hour, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "stale-docs", value)

	_, found := store.Get("degraded")
	assert.False(t, found)
}

func TestResolveWorksWithoutCache(t *testing.T) {
	log := logger.NewZapWrapper(zap.NewNop())
	coordinator := NewCoordinator(log, nil, nil, passthroughPipeline{}, advisor.NewEngine(nil), nil)

	var calls atomic.Int32
	producer := func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		return "uncached", nil
	}

	for i := 0; i < 3; i++ {
		value, err := coordinator.Resolve(context.Background(), "k", time.Minute, producer)
		require.NoError(t, err)
		assert.Equal(t, "uncached", value)
	}

	assert.Equal(t, int32(3), calls.Load())
}

func TestConcurrentResolvesBuildHitRatio(t *testing.T) {
	coordinator, store, _ := newTestCoordinator(t, passthroughPipeline{}, nil)

	keys := []string{"k0", "k1", "k2", "k3", "k4", "k5", "k6", "k7", "k8", "k9"}

	for wave := 0; wave < 5; wave++ {
		var wg sync.WaitGroup
		for _, key := range keys {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				_, err := coordinator.Resolve(context.Background(), key, time.Minute, func(ctx context.Context) (interface{}, error) {
					return key + ":value", nil
				})
				assert.NoError(t, err)
			}(key)
		}
		wg.Wait()
	}

	stats := store.Stats()
	assert.Equal(t, len(keys), stats.Size)
	assert.Greater(t, stats.HitRatio, 0.0)
}
