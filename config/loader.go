package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Vincy69/mcp-drupal-server-sub002/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (l *Loader) LoadFromFile(configPath string) (*types.ServiceConfig, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, types.WrapError(err, "file not found: "+configPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to read config file")
	}

	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, types.WrapError(err, "failed to parse YAML config")
	}

	if err := l.Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Validate(config *types.ServiceConfig) error {
	if config == nil {
		return types.ErrConfigIsNil
	}

	if err := l.validator.Struct(config); err != nil {
		return types.WrapError(err, "config validation failed")
	}

	if config.Mode != nil {
		if config.Mode.InitialMode != "" && !config.Mode.InitialMode.Valid() {
			return types.Errorf(types.ErrModeUnknown, "initial_mode: %s", config.Mode.InitialMode)
		}
		if config.Mode.FallbackMode != "" && !config.Mode.FallbackMode.Valid() {
			return types.Errorf(types.ErrModeUnknown, "fallback_mode: %s", config.Mode.FallbackMode)
		}
	}

	return nil
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Logger: &types.LoggerConfig{
			Level: "info",
		},
		Cache: &types.CacheConfig{
			Enabled:              true,
			Type:                 "memory",
			DefaultTTL:           time.Hour,
			MaxEntries:           10000,
			MaxMemory:            256 << 20,
			CleanupInterval:      5 * time.Minute,
			CompressionThreshold: 64 << 10,
		},
		Resolver: &types.ResolverConfig{
			MaxRetries:     3,
			RetryBaseDelay: 200 * time.Millisecond,
			RetryMaxDelay:  5 * time.Second,
			AttemptTimeout: 10 * time.Second,
			SubstituteTTL:  30 * time.Second,
			CircuitBreaker: &types.CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				RecoveryTimeout:  60 * time.Second,
				HalfOpenRequests: 3,
			},
		},
		Mode: &types.ModeConfig{
			InitialMode:  types.ModeSmartFallback,
			FallbackMode: types.ModeDocsOnly,
			ProbeTimeout: 5 * time.Second,
		},
		Fallback: &types.FallbackConfig{
			Enabled: true,
			Type:    "memory",
		},
		Warmup: &types.WarmupConfig{
			Enabled: false,
		},
		Metrics: &types.MetricsConfig{
			Enabled: true,
			Type:    "memory",
		},
		Health: &types.HealthConfig{
			Enabled: true,
		},
		Cron: &types.CronConfig{
			Enabled:  false,
			Timezone: "UTC",
		},
		Events: &types.EventsConfig{
			Enabled: false,
			Type:    "memory",
		},
	}
}
