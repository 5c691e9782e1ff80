package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
}

type ServiceConfig struct {
	Name      string                     `yaml:"name" json:"name" validate:"required"`
	Version   string                     `yaml:"version" json:"version" validate:"required"`
	Logger    *LoggerConfig              `yaml:"logger" json:"logger"`
	Cache     *CacheConfig               `yaml:"cache" json:"cache"`
	Resolver  *ResolverConfig            `yaml:"resolver" json:"resolver"`
	Mode      *ModeConfig                `yaml:"mode" json:"mode"`
	Upstreams map[string]*UpstreamConfig `yaml:"upstreams" json:"upstreams"`
	Fallback  *FallbackConfig            `yaml:"fallback" json:"fallback"`
	Warmup    *WarmupConfig              `yaml:"warmup" json:"warmup"`
	Metrics   *MetricsConfig             `yaml:"metrics" json:"metrics"`
	Health    *HealthConfig              `yaml:"health" json:"health"`
	Cron      *CronConfig                `yaml:"cron" json:"cron"`
	Events    *EventsConfig              `yaml:"events" json:"events"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level"`
	Config interface{} `yaml:"config" json:"config"`
}

type CacheConfig struct {
	Enabled              bool          `yaml:"enabled" json:"enabled"`
	Type                 string        `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config               interface{}   `yaml:"config" json:"config"`
	DefaultTTL           time.Duration `yaml:"default_ttl" json:"default_ttl" validate:"min=0"`
	MaxEntries           int           `yaml:"max_entries" json:"max_entries" validate:"min=0"`
	MaxMemory            uint64        `yaml:"max_memory" json:"max_memory"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	CompressionThreshold int           `yaml:"compression_threshold" json:"compression_threshold" validate:"min=0"`
}

type ResolverConfig struct {
	MaxRetries     int                   `yaml:"max_retries" json:"max_retries" validate:"min=0"`
	RetryBaseDelay time.Duration         `yaml:"retry_base_delay" json:"retry_base_delay"`
	RetryMaxDelay  time.Duration         `yaml:"retry_max_delay" json:"retry_max_delay"`
	AttemptTimeout time.Duration         `yaml:"attempt_timeout" json:"attempt_timeout"`
	SubstituteTTL  time.Duration         `yaml:"substitute_ttl" json:"substitute_ttl"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests"`
}

type ModeConfig struct {
	InitialMode  Mode                `yaml:"initial_mode" json:"initial_mode"`
	FallbackMode Mode                `yaml:"fallback_mode" json:"fallback_mode"`
	ProbeTimeout time.Duration       `yaml:"probe_timeout" json:"probe_timeout"`
	Capabilities map[string][]string `yaml:"capabilities" json:"capabilities"`
}

type UpstreamConfig struct {
	BaseURL   string        `yaml:"base_url" json:"base_url" validate:"required,url"`
	ProbePath string        `yaml:"probe_path" json:"probe_path"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
}

type FallbackConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{} `yaml:"config" json:"config"`
}

type WarmupConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Keys     []string `yaml:"keys" json:"keys"`
	Schedule string   `yaml:"schedule" json:"schedule"`
}

type MetricsConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Type    string            `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{}       `yaml:"config" json:"config"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
}

type HealthConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

type CronConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Timezone string `yaml:"timezone" json:"timezone" validate:"required_if=Enabled true"`
}

type EventsConfig struct {
	Enabled bool           `yaml:"enabled" json:"enabled"`
	Type    string         `yaml:"type" json:"type"`
	Config  interface{}    `yaml:"config" json:"config"`
	Webhook *WebhookConfig `yaml:"webhook" json:"webhook"`
}

type WebhookConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	DatabasePath    string        `yaml:"database_path" json:"database_path"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" json:"delivery_timeout"`
	MaxRetries      int           `yaml:"max_retries" json:"max_retries"`
}
