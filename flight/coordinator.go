package flight

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Vincy69/mcp-drupal-server-sub002/types"
)

const defaultSubstituteTTL = 30 * time.Second

// Coordinator deduplicates concurrent resolves for the same key. All
// callers waiting on one key share the result of a single producer run;
// the producer executes exactly once per flight.
type Coordinator struct {
	logger        types.Logger
	metrics       types.MetricsManager
	cache         types.CacheManager
	pipeline      types.FetchPipeline
	advisor       types.Advisor
	group         singleflight.Group
	substituteTTL time.Duration
}

type flightResult struct {
	value      interface{}
	substitute bool
}

func NewCoordinator(logger types.Logger, metrics types.MetricsManager, cache types.CacheManager, pipeline types.FetchPipeline, advisor types.Advisor, config *types.ResolverConfig) *Coordinator {
	substituteTTL := defaultSubstituteTTL
	if config != nil {
		substituteTTL = config.SubstituteTTL
	}

	return &Coordinator{
		logger:        logger,
		metrics:       metrics,
		cache:         cache,
		pipeline:      pipeline,
		advisor:       advisor,
		substituteTTL: substituteTTL,
	}
}

func (c *Coordinator) Resolve(ctx context.Context, key string, ttl time.Duration, producer types.Producer) (interface{}, error) {
	if key == "" {
		return nil, types.ErrCacheKeyEmpty
	}
	if producer == nil {
		return nil, types.NewErrorf("producer is nil for key %q", key)
	}

	start := time.Now()

	if c.cache != nil {
		if value, found := c.cache.Get(key); found {
			c.record(types.OutcomeHit, start)
			return value, nil
		}
	}

	result, err, shared := c.group.Do(key, func() (interface{}, error) {
		// Another flight may have populated the cache while this caller
		// was queuing on the group.
		if c.cache != nil {
			if value, found := c.cache.Get(key); found {
				return flightResult{value: value}, nil
			}
		}

		// The flight is shared: waiters attached to it must receive a
		// settled result even when the leader's caller goes away, so the
		// fetch is detached from the leader's cancellation. The pipeline's
		// per-attempt timeout still bounds the detached work.
		fetched, err := c.pipeline.Fetch(context.WithoutCancel(ctx), key, producer)
		if err != nil {
			return nil, err
		}

		c.writeBack(key, fetched, ttl)

		return flightResult{value: fetched.Value, substitute: fetched.Substitute}, nil
	})

	if err != nil {
		c.record(types.OutcomeError, start)
		return nil, err
	}

	fr := result.(flightResult)

	if fr.substitute {
		c.record(types.OutcomeError, start)
	} else {
		c.record(types.OutcomeMiss, start)
	}

	if shared {
		c.incCounter("resolver_flights_shared_total")
	}

	return fr.value, nil
}

// writeBack stores a fetched value. Substitute values get a short TTL so
// the next request retries the real upstream soon; a substitute TTL of
// zero disables caching them entirely. Store failures are logged and
// swallowed; the caller still gets the value.
func (c *Coordinator) writeBack(key string, fetched types.FetchResult, ttl time.Duration) {
	if c.cache == nil {
		return
	}

	if fetched.Substitute {
		if c.substituteTTL <= 0 {
			return
		}
		ttl = c.substituteTTL
	}

	if err := c.cache.Set(key, fetched.Value, ttl); err != nil {
		if types.IsError(err, types.ErrCacheValueTooLarge) {
			c.logger.Warn("Value too large to cache, serving uncached",
				zap.String("key", key),
				zap.Error(err))
			return
		}
		c.logger.Error("Cache write-back failed",
			zap.String("key", key),
			zap.Error(err))
	}
}

func (c *Coordinator) record(outcome types.ResolveOutcome, start time.Time) {
	latency := time.Since(start)

	if c.advisor != nil {
		c.advisor.Record(outcome, latency)
	}

	if c.metrics != nil {
		c.metrics.Counter("resolver_requests_total", map[string]string{
			"outcome": string(outcome),
		}).Inc()
		c.metrics.Histogram("resolver_request_duration_seconds",
			[]float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			nil,
		).Observe(latency.Seconds())
	}
}

func (c *Coordinator) incCounter(name string) {
	if c.metrics == nil {
		return
	}
	c.metrics.Counter(name, nil).Inc()
}
