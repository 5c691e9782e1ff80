package upstream

import (
	"context"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Vincy69/mcp-drupal-server-sub002/types"
)

func TestBreakerDisabled(t *testing.T) {
	breaker := NewCircuitBreaker(nil, nopLogger(), "test")

	assert.True(t, breaker.CanExecute())
	assert.Equal(t, "disabled", breaker.GetStateString())

	// No-ops on a disabled breaker.
	breaker.RecordFailure()
	breaker.RecordFailure()
	assert.True(t, breaker.CanExecute())
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	breaker := NewCircuitBreaker(&types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		HalfOpenRequests: 1,
	}, nopLogger(), "test")

	breaker.RecordFailure()
	breaker.RecordFailure()
	assert.True(t, breaker.CanExecute())
	assert.Equal(t, "closed", breaker.GetStateString())

	breaker.RecordFailure()
	assert.False(t, breaker.CanExecute())
	assert.Equal(t, "open", breaker.GetStateString())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	breaker := NewCircuitBreaker(&types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		HalfOpenRequests: 1,
	}, nopLogger(), "test")

	breaker.RecordFailure()
	breaker.RecordSuccess()
	breaker.RecordFailure()

	assert.Equal(t, "closed", breaker.GetStateString())
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	breaker := NewCircuitBreaker(&types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		RecoveryTimeout:  time.Nanosecond,
		HalfOpenRequests: 2,
	}, nopLogger(), "test")

	breaker.RecordFailure()
	assert.Equal(t, "open", breaker.GetStateString())

	time.Sleep(5 * time.Millisecond)

	assert.True(t, breaker.CanExecute(), "recovery timeout elapsed, probe allowed")
	assert.Equal(t, "half-open", breaker.GetStateString())

	breaker.RecordSuccess()
	assert.Equal(t, "half-open", breaker.GetStateString())

	breaker.RecordSuccess()
	assert.Equal(t, "closed", breaker.GetStateString())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	breaker := NewCircuitBreaker(&types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		RecoveryTimeout:  time.Nanosecond,
		HalfOpenRequests: 2,
	}, nopLogger(), "test")

	breaker.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	assert.True(t, breaker.CanExecute())
	assert.Equal(t, "half-open", breaker.GetStateString())

	breaker.RecordFailure()
	assert.Equal(t, "open", breaker.GetStateString())
}

func TestBreakerReset(t *testing.T) {
	breaker := NewCircuitBreaker(&types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		HalfOpenRequests: 1,
	}, nopLogger(), "test")

	breaker.RecordFailure()
	assert.False(t, breaker.CanExecute())

	breaker.Reset()
	assert.True(t, breaker.CanExecute())
	assert.Equal(t, "closed", breaker.GetStateString())
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.True(t, IsRetryableError(types.ErrUpstreamUnavailable))
	assert.True(t, IsRetryableError(types.Errorf(types.ErrUpstreamResponse, "HTTP 503")))
}

func TestIsNetworkError(t *testing.T) {
	assert.False(t, IsNetworkError(nil))
	assert.False(t, IsNetworkError(types.ErrCacheKeyEmpty))

	assert.True(t, IsNetworkError(context.DeadlineExceeded))
	assert.True(t, IsNetworkError(types.ErrUpstreamUnavailable))
	assert.True(t, IsNetworkError(&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}))
	assert.True(t, IsNetworkError(&net.DNSError{Err: "timeout", IsTimeout: true}))
	assert.True(t, IsNetworkError(syscall.ETIMEDOUT))
}