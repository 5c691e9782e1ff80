package types

import (
	"context"
	"time"
)

// Producer computes the value for a cache key on a miss. The resolver never
// inspects the returned value; it is stored and handed back as-is.
type Producer func(ctx context.Context) (interface{}, error)

type Resolver interface {
	Resolve(ctx context.Context, key string, ttl time.Duration, producer Producer) (interface{}, error)
}

// FetchResult is what the fetch pipeline hands back to the coordinator.
// Substitute marks a value served from the fallback dataset after the
// upstream gave up; such values are cached with a short TTL so the next
// request retries the real upstream soon.
type FetchResult struct {
	Value      interface{}
	Substitute bool
}

type FetchPipeline interface {
	Fetch(ctx context.Context, key string, producer Producer) (FetchResult, error)
}

type ResolveOutcome string

const (
	OutcomeHit   ResolveOutcome = "hit"
	OutcomeMiss  ResolveOutcome = "miss"
	OutcomeError ResolveOutcome = "error"
)

type Advisor interface {
	Record(outcome ResolveOutcome, latency time.Duration)
	Recommendations(cache CacheStatistics) []string
	Performance() PerformanceStats
}

type PerformanceStats struct {
	TotalRequests     uint64        `json:"total_requests"`
	Hits              uint64        `json:"hits"`
	Misses            uint64        `json:"misses"`
	Errors            uint64        `json:"errors"`
	AvgResponseTime   time.Duration `json:"avg_response_time"`
	RequestsPerMinute float64       `json:"requests_per_minute"`
	ErrorRate         float64       `json:"error_rate"`
}
