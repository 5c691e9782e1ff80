package advisor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Vincy69/mcp-drupal-server-sub002/types"
)

func TestPerformanceAccounting(t *testing.T) {
	engine := NewEngine(nil)

	engine.Record(types.OutcomeHit, 10*time.Millisecond)
	engine.Record(types.OutcomeHit, 20*time.Millisecond)
	engine.Record(types.OutcomeMiss, 30*time.Millisecond)
	engine.Record(types.OutcomeError, 40*time.Millisecond)

	performance := engine.Performance()
	assert.Equal(t, uint64(4), performance.TotalRequests)
	assert.Equal(t, uint64(2), performance.Hits)
	assert.Equal(t, uint64(1), performance.Misses)
	assert.Equal(t, uint64(1), performance.Errors)
	assert.Equal(t, 25*time.Millisecond, performance.AvgResponseTime)
	assert.InDelta(t, 0.25, performance.ErrorRate, 0.001)
}

func TestPerformanceEmpty(t *testing.T) {
	engine := NewEngine(nil)

	performance := engine.Performance()
	assert.Equal(t, uint64(0), performance.TotalRequests)
	assert.Equal(t, time.Duration(0), performance.AvgResponseTime)
	assert.Equal(t, 0.0, performance.ErrorRate)
}

func TestNoRecommendationsOnHealthySystem(t *testing.T) {
	engine := NewEngine(nil)

	for i := 0; i < 200; i++ {
		engine.Record(types.OutcomeHit, time.Millisecond)
	}

	recommendations := engine.Recommendations(types.CacheStatistics{
		MemoryUsageBytes: 10 << 20,
		MaxMemoryBytes:   256 << 20,
		TotalRequests:    200,
		HitRatio:         0.9,
	})

	assert.Empty(t, recommendations)
}

func TestRecommendsOnHighMemoryUsage(t *testing.T) {
	engine := NewEngine(nil)

	recommendations := engine.Recommendations(types.CacheStatistics{
		MemoryUsageBytes: 230 << 20,
		MaxMemoryBytes:   256 << 20,
	})

	assert.Len(t, recommendations, 1)
	assert.Contains(t, recommendations[0], "reduce TTL or max entries")
}

func TestRecommendsOnLowHitRatio(t *testing.T) {
	engine := NewEngine(nil)

	recommendations := engine.Recommendations(types.CacheStatistics{
		TotalRequests: 150,
		HitRatio:      0.2,
	})

	assert.Len(t, recommendations, 1)
	assert.Contains(t, recommendations[0], "cache warmup")
}

func TestLowHitRatioIgnoredBelowSampleSize(t *testing.T) {
	engine := NewEngine(nil)

	recommendations := engine.Recommendations(types.CacheStatistics{
		TotalRequests: 10,
		HitRatio:      0.0,
	})

	assert.Empty(t, recommendations, "small samples are noise")
}

func TestRecommendsOnElevatedErrorRate(t *testing.T) {
	engine := NewEngine(nil)

	for i := 0; i < 100; i++ {
		outcome := types.OutcomeHit
		if i%5 == 0 {
			outcome = types.OutcomeError
		}
		engine.Record(outcome, time.Millisecond)
	}

	recommendations := engine.Recommendations(types.CacheStatistics{})
	assert.Len(t, recommendations, 1)
	assert.Contains(t, recommendations[0], "upstream connectivity")
}

func TestConcurrentRecording(t *testing.T) {
	engine := NewEngine(nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				engine.Record(types.OutcomeHit, time.Millisecond)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(1000), engine.Performance().TotalRequests)
}
