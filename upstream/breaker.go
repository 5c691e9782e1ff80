package upstream

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Vincy69/mcp-drupal-server-sub002/types"
)

type CircuitBreakerState int32

const (
	StateBreakerClosed CircuitBreakerState = iota
	StateBreakerOpen
	StateBreakerHalfOpen
	StateBreakerStopped
)

// CircuitBreaker shields an upstream from repeated calls while it is down.
// A nil or disabled breaker is a no-op that always allows execution.
type CircuitBreaker struct {
	ctx         context.Context
	cancel      context.CancelFunc
	config      *types.CircuitBreakerConfig
	logger      types.Logger
	serviceName string
	state       atomic.Value
	failures    atomic.Int32
	successes   atomic.Int32
	lastFail    atomic.Int64
	mutex       sync.RWMutex
}

func NewCircuitBreaker(config *types.CircuitBreakerConfig, logger types.Logger, serviceName string) *CircuitBreaker {
	if config == nil || !config.Enabled {
		cb := &CircuitBreaker{
			config:      &types.CircuitBreakerConfig{Enabled: false},
			logger:      logger,
			serviceName: serviceName,
		}
		cb.state.Store(StateBreakerStopped)
		return cb
	}

	ctx, cancel := context.WithCancel(context.Background())

	cb := &CircuitBreaker{
		ctx:         ctx,
		cancel:      cancel,
		config:      config,
		logger:      logger,
		serviceName: serviceName,
	}

	cb.state.Store(StateBreakerClosed)

	return cb
}

func (cb *CircuitBreaker) CanExecute() bool {
	if cb == nil || !cb.config.Enabled {
		return true
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.getStateUnsafe() {
	case StateBreakerClosed:
		return true
	case StateBreakerOpen:
		if time.Since(time.Unix(cb.lastFail.Load(), 0)) > cb.config.RecoveryTimeout {
			cb.transitionToHalfOpen()
			return true
		}
		return false
	case StateBreakerHalfOpen:
		return true
	case StateBreakerStopped:
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil || !cb.config.Enabled {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.getStateUnsafe() {
	case StateBreakerClosed:
		cb.failures.Store(0)
	case StateBreakerOpen:
		cb.logger.Warn("Success recorded in open circuit breaker state",
			zap.String("service", cb.serviceName))
	case StateBreakerHalfOpen:
		successes := cb.successes.Add(1)
		cb.logger.Debug("Success recorded in half-open state",
			zap.String("service", cb.serviceName),
			zap.Int32("successes", successes),
			zap.Int("required", cb.config.HalfOpenRequests))

		if successes >= int32(cb.config.HalfOpenRequests) {
			cb.transitionToClosed()
		}
	case StateBreakerStopped:
		return
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil || !cb.config.Enabled {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.lastFail.Store(time.Now().Unix())

	switch cb.getStateUnsafe() {
	case StateBreakerStopped:
		return
	case StateBreakerClosed:
		failures := cb.failures.Add(1)
		cb.logger.Debug("Failure recorded in closed state",
			zap.String("service", cb.serviceName),
			zap.Int32("failures", failures),
			zap.Int("threshold", cb.config.FailureThreshold))

		if failures >= int32(cb.config.FailureThreshold) {
			cb.transitionToOpen()
		}
	case StateBreakerOpen:
	case StateBreakerHalfOpen:
		cb.transitionToOpen()
	}
}

func (cb *CircuitBreaker) GetStateString() string {
	if cb == nil || !cb.config.Enabled {
		return "disabled"
	}

	cb.mutex.RLock()
	defer cb.mutex.RUnlock()

	return cb.stateToString(cb.getStateUnsafe())
}

func (cb *CircuitBreaker) Reset() {
	if cb == nil || !cb.config.Enabled {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	oldState := cb.getStateUnsafe()
	if oldState == StateBreakerStopped {
		return
	}

	cb.transitionToClosed()

	cb.logger.Info("Circuit breaker manually reset",
		zap.String("service", cb.serviceName),
		zap.String("old_state", cb.stateToString(oldState)))
}

func (cb *CircuitBreaker) Stop() error {
	if cb == nil || !cb.config.Enabled {
		return nil
	}

	cb.mutex.Lock()
	currentState := cb.getStateUnsafe()
	cb.mutex.Unlock()

	if currentState == StateBreakerStopped || !cb.transitionState(currentState, StateBreakerStopped) {
		return types.ErrManagerNotRunning
	}

	cb.cancel()
	cb.logger.Debug("Circuit breaker stopped",
		zap.String("service", cb.serviceName))
	return nil
}

func (cb *CircuitBreaker) getStateUnsafe() CircuitBreakerState {
	state := cb.state.Load()
	if state == nil {
		return StateBreakerClosed
	}
	return state.(CircuitBreakerState)
}

func (cb *CircuitBreaker) transitionState(from, to CircuitBreakerState) bool {
	return cb.state.CompareAndSwap(from, to)
}

func (cb *CircuitBreaker) transitionToClosed() {
	currentState := cb.getStateUnsafe()
	if cb.transitionState(currentState, StateBreakerClosed) {
		cb.failures.Store(0)
		cb.successes.Store(0)
		cb.lastFail.Store(0)
		cb.logger.Info("Circuit breaker closed",
			zap.String("service", cb.serviceName))
	}
}

func (cb *CircuitBreaker) transitionToOpen() {
	currentState := cb.getStateUnsafe()
	if cb.transitionState(currentState, StateBreakerOpen) {
		cb.failures.Store(1)
		cb.successes.Store(0)
		cb.logger.Warn("Circuit breaker opened",
			zap.String("service", cb.serviceName),
			zap.Int("threshold", cb.config.FailureThreshold))
	}
}

func (cb *CircuitBreaker) transitionToHalfOpen() {
	currentState := cb.getStateUnsafe()
	if cb.transitionState(currentState, StateBreakerHalfOpen) {
		cb.successes.Store(0)
		cb.logger.Info("Circuit breaker transitioned to half-open",
			zap.String("service", cb.serviceName))
	}
}

func (cb *CircuitBreaker) stateToString(state CircuitBreakerState) string {
	switch state {
	case StateBreakerClosed:
		return "closed"
	case StateBreakerOpen:
		return "open"
	case StateBreakerHalfOpen:
		return "half-open"
	case StateBreakerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsRetryableError reports whether a producer failure is worth another
// attempt. Caller cancellation is final; everything else, including
// per-attempt deadline expiry and transport failures, gets retried up to
// the configured budget.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// IsNetworkError reports whether the failure happened below the
// application layer, as opposed to an upstream that answered with an
// error response. Retry logging uses it to tag transport failures.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Timeout() || dnsErr.IsTemporary
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) ||
			errors.Is(opErr.Err, syscall.ECONNRESET) ||
			errors.Is(opErr.Err, syscall.ECONNABORTED) ||
			errors.Is(opErr.Err, syscall.EHOSTUNREACH) ||
			errors.Is(opErr.Err, syscall.ENETUNREACH) {
			return true
		}
	}

	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED,
			syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ETIMEDOUT:
			return true
		}
	}

	return errors.Is(err, types.ErrUpstreamUnavailable)
}
