package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigLoadFailed     = errors.New("config load failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrManagerNotRunning     = errors.New("manager not running")
	ErrManagerAlreadyRunning = errors.New("manager already running")
	ErrComponentStartFailed  = errors.New("component start failed")
	ErrComponentStopFailed   = errors.New("component stop failed")
)

var (
	ErrCacheKeyEmpty        = errors.New("cache key empty")
	ErrCacheTypeUnknown     = errors.New("cache type unknown")
	ErrCacheValueTooLarge   = errors.New("cache value too large")
	ErrCachePatternInvalid  = errors.New("cache pattern invalid")
	ErrCacheIsDisabled      = errors.New("cache manager is disabled")
	ErrCacheOperationFailed = errors.New("cache operation failed")
)

var (
	ErrUpstreamUnavailable    = errors.New("upstream unavailable")
	ErrUpstreamExhausted      = errors.New("upstream retries exhausted")
	ErrUpstreamProbeFailed    = errors.New("upstream probe failed")
	ErrUpstreamNotConfigured  = errors.New("upstream not configured")
	ErrUpstreamResponse       = errors.New("upstream response invalid")
	ErrCircuitBreakerOpen     = errors.New("circuit breaker open")
	ErrFallbackEntryNotFound  = errors.New("fallback entry not found")
	ErrFallbackTypeUnknown    = errors.New("fallback dataset type unknown")
	ErrFallbackIsDisabled     = errors.New("fallback dataset is disabled")
	ErrFallbackDatasetInvalid = errors.New("fallback dataset invalid")
)

var (
	ErrCapabilityDenied = errors.New("capability denied in current mode")
	ErrModeUnknown      = errors.New("mode unknown")
	ErrModeSwitchFailed = errors.New("mode switch failed")
)

var (
	ErrEventsNotInitialized = errors.New("events not initialized")
	ErrEventsPublishFailed  = errors.New("events publish failed")
	ErrEventsTypeUnknown    = errors.New("events broker type unknown")
	ErrEventsIsDisabled     = errors.New("events broker is disabled")
	ErrWebhookNotFound      = errors.New("webhook not found")
	ErrWebhookConfigInvalid = errors.New("webhook config invalid")
)

var (
	ErrCronJobNotFound       = errors.New("cron job not found")
	ErrCronIsRunning         = errors.New("cron is running")
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
	ErrCronJobFailed         = errors.New("cron job failed")
	ErrCronJobTimeout        = errors.New("cron job timeout")
	ErrCronSchedulerStopped  = errors.New("cron scheduler stopped")
)

var (
	ErrMetricsTypeUnknown = errors.New("metrics type unknown")
	ErrMetricsIsDisabled  = errors.New("metrics manager is disabled")
)

var (
	ErrHealthCheckFailed  = errors.New("health check failed")
	ErrHealthCheckTimeout = errors.New("health check timeout")
	ErrHealthIsNotRunning = errors.New("health manager is not running")
)

var (
	ErrLogFileIsEmpty     = errors.New("log file is empty")
	ErrLogFileWrongFormat = errors.New("log file wrong format")
	ErrLoggerTypeUnknown  = errors.New("logger type unknown")
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrInvalidState     = errors.New("invalid state")
	ErrNotSupported     = errors.New("not supported")
)

// CapabilityDeniedError reports an operation refused by the mode controller.
// It matches ErrCapabilityDenied via errors.Is and carries enough context for
// the caller to suggest a usable mode.
type CapabilityDeniedError struct {
	Operation     string
	CurrentMode   Mode
	SuggestedMode Mode
}

func (e *CapabilityDeniedError) Error() string {
	return fmt.Sprintf("operation %q is not available in mode %s, switch to %s",
		e.Operation, e.CurrentMode, e.SuggestedMode)
}

func (e *CapabilityDeniedError) Unwrap() error {
	return ErrCapabilityDenied
}

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
