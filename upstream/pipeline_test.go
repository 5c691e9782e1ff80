package upstream

import (
	"context"
	"net"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Vincy69/mcp-drupal-server-sub002/fallback"
	"github.com/Vincy69/mcp-drupal-server-sub002/logger"
	"github.com/Vincy69/mcp-drupal-server-sub002/types"
)

func nopLogger() types.Logger {
	return logger.NewZapWrapper(zap.NewNop())
}

func fastRetryConfig(maxRetries int) *types.ResolverConfig {
	return &types.ResolverConfig{
		MaxRetries:     maxRetries,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

func seededFallback(t *testing.T, key string, value interface{}) types.FallbackDataset {
	t.Helper()

	dataset, err := fallback.NewMemoryDataset(context.Background(), nopLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, dataset.Store(key, value))

	return dataset
}

func TestFetchFirstAttemptSuccess(t *testing.T) {
	pipeline := NewPipeline(nopLogger(), nil, fastRetryConfig(3), nil)

	var calls atomic.Int32
	result, err := pipeline.Fetch(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		return "fresh", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "fresh", result.Value)
	assert.False(t, result.Substitute)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	pipeline := NewPipeline(nopLogger(), nil, fastRetryConfig(3), nil)

	var calls atomic.Int32
	result, err := pipeline.Fetch(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		if calls.Add(1) < 3 {
			return nil, types.ErrUpstreamUnavailable
		}
		return "eventually", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "eventually", result.Value)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchRetriesNetworkFailures(t *testing.T) {
	pipeline := NewPipeline(nopLogger(), nil, fastRetryConfig(3), nil)

	dialErr := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	require.True(t, IsNetworkError(dialErr))

	var calls atomic.Int32
	result, err := pipeline.Fetch(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		if calls.Add(1) < 3 {
			return nil, dialErr
		}
		return "recovered", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Value)
	assert.False(t, result.Substitute)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchExhaustionServesSubstitute(t *testing.T) {
	dataset := seededFallback(t, "doc:hooks", "shipped docs")
	pipeline := NewPipeline(nopLogger(), nil, fastRetryConfig(1), dataset)

	var calls atomic.Int32
	result, err := pipeline.Fetch(context.Background(), "doc:hooks", func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		return nil, types.ErrUpstreamUnavailable
	})

	require.NoError(t, err, "a fallback hit absorbs the upstream failure")
	assert.Equal(t, "shipped docs", result.Value)
	assert.True(t, result.Substitute)
	assert.Equal(t, int32(2), calls.Load(), "one initial attempt plus one retry")
}

func TestFetchExhaustionWithoutFallback(t *testing.T) {
	pipeline := NewPipeline(nopLogger(), nil, fastRetryConfig(1), nil)

	_, err := pipeline.Fetch(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		return nil, types.ErrUpstreamUnavailable
	})

	assert.ErrorIs(t, err, types.ErrUpstreamExhausted)
}

func TestFetchFallbackMissSurfacesError(t *testing.T) {
	dataset := seededFallback(t, "other-key", "irrelevant")
	pipeline := NewPipeline(nopLogger(), nil, fastRetryConfig(0), dataset)

	_, err := pipeline.Fetch(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		return nil, types.ErrUpstreamUnavailable
	})

	assert.ErrorIs(t, err, types.ErrUpstreamExhausted)
}

func TestFetchCancellationNotRetried(t *testing.T) {
	pipeline := NewPipeline(nopLogger(), nil, fastRetryConfig(5), nil)

	var calls atomic.Int32
	_, err := pipeline.Fetch(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		return nil, context.Canceled
	})

	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "cancellation is final")
}

func TestFetchBreakerOpenShortCircuits(t *testing.T) {
	config := fastRetryConfig(0)
	config.CircuitBreaker = &types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		HalfOpenRequests: 1,
	}

	pipeline := NewPipeline(nopLogger(), nil, config, nil)

	_, err := pipeline.Fetch(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		return nil, types.ErrUpstreamUnavailable
	})
	require.ErrorIs(t, err, types.ErrUpstreamExhausted)
	assert.Equal(t, "open", pipeline.BreakerState())

	var calls atomic.Int32
	_, err = pipeline.Fetch(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		return "never", nil
	})

	assert.ErrorIs(t, err, types.ErrCircuitBreakerOpen)
	assert.Equal(t, int32(0), calls.Load(), "open breaker must not run the producer")
}

func TestFetchBreakerOpenStillServesSubstitute(t *testing.T) {
	config := fastRetryConfig(0)
	config.CircuitBreaker = &types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		HalfOpenRequests: 1,
	}

	dataset := seededFallback(t, "doc:modules", "cached module list")
	pipeline := NewPipeline(nopLogger(), nil, config, dataset)

	_, err := pipeline.Fetch(context.Background(), "doc:modules", func(ctx context.Context) (interface{}, error) {
		return nil, types.ErrUpstreamUnavailable
	})
	require.NoError(t, err)

	result, err := pipeline.Fetch(context.Background(), "doc:modules", func(ctx context.Context) (interface{}, error) {
		t.Fatal("producer must not run while the breaker is open")
		return nil, nil
	})

	require.NoError(t, err)
	assert.Equal(t, "cached module list", result.Value)
	assert.True(t, result.Substitute)
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	pipeline := NewPipeline(nopLogger(), nil, &types.ResolverConfig{
		MaxRetries:     3,
		RetryBaseDelay: 10 * time.Millisecond,
		RetryMaxDelay:  40 * time.Millisecond,
		AttemptTimeout: time.Second,
	}, nil)

	// Cap plus the 25% jitter bound.
	limit := 40*time.Millisecond + 10*time.Millisecond

	previousFloor := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		delay := pipeline.backoffDelay(attempt)
		assert.GreaterOrEqual(t, delay, previousFloor)
		assert.LessOrEqual(t, delay, limit)

		if floor := pipeline.baseDelay * time.Duration(1<<(attempt-1)); floor < pipeline.maxDelay {
			previousFloor = floor
		} else {
			previousFloor = pipeline.maxDelay
		}
	}
}
