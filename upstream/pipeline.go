package upstream

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/Vincy69/mcp-drupal-server-sub002/types"
)

const (
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = 200 * time.Millisecond
	defaultRetryMaxDelay  = 5 * time.Second
	defaultAttemptTimeout = 10 * time.Second
	backoffMultiplier     = 2.0
)

// Pipeline runs producers against the upstream with bounded retries and a
// circuit breaker in front. When every attempt fails it answers from the
// fallback dataset instead of surfacing the error, marking the result as a
// substitute so the coordinator caches it with a short TTL.
type Pipeline struct {
	logger   types.Logger
	metrics  types.MetricsManager
	config   *types.ResolverConfig
	breaker  *CircuitBreaker
	fallback types.FallbackDataset

	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
	attemptTimeout time.Duration
}

func NewPipeline(logger types.Logger, metrics types.MetricsManager, config *types.ResolverConfig, fallback types.FallbackDataset) *Pipeline {
	if config == nil {
		config = &types.ResolverConfig{}
	}

	p := &Pipeline{
		logger:         logger,
		metrics:        metrics,
		config:         config,
		breaker:        NewCircuitBreaker(config.CircuitBreaker, logger, "resolver"),
		fallback:       fallback,
		maxRetries:     config.MaxRetries,
		baseDelay:      config.RetryBaseDelay,
		maxDelay:       config.RetryMaxDelay,
		attemptTimeout: config.AttemptTimeout,
	}

	if p.maxRetries < 0 {
		p.maxRetries = defaultMaxRetries
	}
	if p.baseDelay <= 0 {
		p.baseDelay = defaultRetryBaseDelay
	}
	if p.maxDelay <= 0 {
		p.maxDelay = defaultRetryMaxDelay
	}
	if p.attemptTimeout <= 0 {
		p.attemptTimeout = defaultAttemptTimeout
	}

	return p
}

func (p *Pipeline) Fetch(ctx context.Context, key string, producer types.Producer) (types.FetchResult, error) {
	if !p.breaker.CanExecute() {
		p.incCounter("upstream_fetch_rejected_total", map[string]string{"reason": "breaker_open"})
		return p.substitute(key, types.Errorf(types.ErrCircuitBreakerOpen, "key %q", key))
	}

	var lastErr error

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		value, err := p.runAttempt(ctx, producer)
		if err == nil {
			p.breaker.RecordSuccess()
			p.incCounter("upstream_fetch_total", map[string]string{"result": "success"})
			return types.FetchResult{Value: value}, nil
		}

		lastErr = err
		p.breaker.RecordFailure()

		if !IsRetryableError(err) {
			p.logger.Debug("Fetch attempt not retryable",
				zap.String("key", key),
				zap.Error(err))
			break
		}

		if attempt < p.maxRetries {
			delay := p.backoffDelay(attempt + 1)

			p.logger.Debug("Retrying fetch",
				zap.String("key", key),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", delay),
				zap.Bool("network", IsNetworkError(err)),
				zap.Error(err))

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				p.incCounter("upstream_fetch_total", map[string]string{"result": "canceled"})
				return types.FetchResult{}, ctx.Err()
			}
		}
	}

	p.incCounter("upstream_fetch_total", map[string]string{"result": "error"})

	return p.substitute(key, types.Errorf(types.ErrUpstreamExhausted, "key %q after %d attempts: %v", key, p.maxRetries+1, lastErr))
}

func (p *Pipeline) runAttempt(ctx context.Context, producer types.Producer) (interface{}, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	defer cancel()

	start := time.Now()
	value, err := producer(attemptCtx)
	p.observeHistogram("upstream_attempt_duration_seconds", time.Since(start).Seconds())

	return value, err
}

// substitute answers the request from the fallback dataset. A hit clears
// the fetch error; the Substitute flag tells the coordinator to account
// the failure and cache the value with a short TTL.
func (p *Pipeline) substitute(key string, fetchErr error) (types.FetchResult, error) {
	if p.fallback == nil {
		return types.FetchResult{}, fetchErr
	}

	value, found := p.fallback.Lookup(key)
	if !found {
		p.incCounter("upstream_fallback_total", map[string]string{"result": "miss"})
		return types.FetchResult{}, fetchErr
	}

	p.incCounter("upstream_fallback_total", map[string]string{"result": "hit"})
	p.logger.Warn("Serving substitute value after upstream failure",
		zap.String("key", key),
		zap.Error(fetchErr))

	return types.FetchResult{Value: value, Substitute: true}, nil
}

func (p *Pipeline) backoffDelay(attempt int) time.Duration {
	multiplier := math.Pow(backoffMultiplier, float64(attempt-1))
	delay := time.Duration(float64(p.baseDelay) * multiplier)

	if delay > p.maxDelay {
		delay = p.maxDelay
	}

	if jitterRange := int64(delay / 4); jitterRange > 0 {
		delay += time.Duration(rand.Int63n(jitterRange))
	}

	return delay
}

func (p *Pipeline) BreakerState() string {
	return p.breaker.GetStateString()
}

func (p *Pipeline) ResetBreaker() {
	p.breaker.Reset()
}

func (p *Pipeline) Stop() error {
	return p.breaker.Stop()
}

func (p *Pipeline) incCounter(name string, labels map[string]string) {
	if p.metrics == nil {
		return
	}
	p.metrics.Counter(name, labels).Inc()
}

func (p *Pipeline) observeHistogram(name string, seconds float64) {
	if p.metrics == nil {
		return
	}
	p.metrics.Histogram(name,
		[]float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		nil,
	).Observe(seconds)
}
