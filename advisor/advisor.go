package advisor

import (
	"sync"
	"time"

	"github.com/Vincy69/mcp-drupal-server-sub002/types"
)

const (
	memoryHighWater    = 0.8
	hitRatioLowWater   = 0.5
	errorRateThreshold = 0.1

	// Below this many requests the hit ratio and error rate are noise.
	minSampleSize = 100

	rateWindow = time.Minute
)

// Engine keeps rolling resolve statistics and turns them into operational
// recommendations. It is safe for concurrent use.
type Engine struct {
	metrics types.MetricsManager

	mu            sync.RWMutex
	totalRequests uint64
	hits          uint64
	misses        uint64
	errors        uint64
	totalLatency  time.Duration

	windowStart time.Time
	windowCount uint64
	lastRate    float64
}

func NewEngine(metrics types.MetricsManager) *Engine {
	return &Engine{
		metrics:     metrics,
		windowStart: time.Now(),
	}
}

func (e *Engine) Record(outcome types.ResolveOutcome, latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalRequests++
	e.totalLatency += latency

	switch outcome {
	case types.OutcomeHit:
		e.hits++
	case types.OutcomeMiss:
		e.misses++
	case types.OutcomeError:
		e.errors++
	}

	e.rollWindowUnsafe()
	e.windowCount++

	if e.metrics != nil {
		e.metrics.Counter("advisor_outcomes_total", map[string]string{
			"outcome": string(outcome),
		}).Inc()
	}
}

func (e *Engine) Performance() types.PerformanceStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := types.PerformanceStats{
		TotalRequests: e.totalRequests,
		Hits:          e.hits,
		Misses:        e.misses,
		Errors:        e.errors,
	}

	if e.totalRequests > 0 {
		stats.AvgResponseTime = e.totalLatency / time.Duration(e.totalRequests)
		stats.ErrorRate = float64(e.errors) / float64(e.totalRequests)
	}

	stats.RequestsPerMinute = e.currentRateUnsafe()

	return stats
}

func (e *Engine) Recommendations(cache types.CacheStatistics) []string {
	perf := e.Performance()

	recommendations := make([]string, 0, 3)

	if cache.MaxMemoryBytes > 0 {
		usage := float64(cache.MemoryUsageBytes) / float64(cache.MaxMemoryBytes)
		if usage > memoryHighWater {
			recommendations = append(recommendations,
				"cache memory usage is high: reduce TTL or max entries")
		}
	}

	if cache.TotalRequests >= minSampleSize && cache.HitRatio < hitRatioLowWater {
		recommendations = append(recommendations,
			"cache hit ratio is low: consider cache warmup or broader keys")
	}

	if perf.TotalRequests >= minSampleSize && perf.ErrorRate > errorRateThreshold {
		recommendations = append(recommendations,
			"resolve error rate is elevated: check upstream connectivity")
	}

	return recommendations
}

// rollWindowUnsafe folds the finished minute into lastRate. Caller holds mu.
func (e *Engine) rollWindowUnsafe() {
	elapsed := time.Since(e.windowStart)
	if elapsed < rateWindow {
		return
	}

	e.lastRate = float64(e.windowCount) / elapsed.Minutes()
	e.windowStart = time.Now()
	e.windowCount = 0
}

func (e *Engine) currentRateUnsafe() float64 {
	elapsed := time.Since(e.windowStart)
	if elapsed >= rateWindow {
		return float64(e.windowCount) / elapsed.Minutes()
	}

	if e.lastRate > 0 {
		return e.lastRate
	}

	if elapsed <= 0 {
		return 0
	}

	return float64(e.windowCount) / elapsed.Minutes()
}
