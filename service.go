package drupalmcp

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Vincy69/mcp-drupal-server-sub002/advisor"
	"github.com/Vincy69/mcp-drupal-server-sub002/cache"
	"github.com/Vincy69/mcp-drupal-server-sub002/config"
	"github.com/Vincy69/mcp-drupal-server-sub002/cron"
	"github.com/Vincy69/mcp-drupal-server-sub002/events"
	"github.com/Vincy69/mcp-drupal-server-sub002/fallback"
	"github.com/Vincy69/mcp-drupal-server-sub002/flight"
	"github.com/Vincy69/mcp-drupal-server-sub002/health"
	"github.com/Vincy69/mcp-drupal-server-sub002/logger"
	"github.com/Vincy69/mcp-drupal-server-sub002/metrics"
	"github.com/Vincy69/mcp-drupal-server-sub002/mode"
	"github.com/Vincy69/mcp-drupal-server-sub002/types"
	"github.com/Vincy69/mcp-drupal-server-sub002/upstream"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	defaultShutdownTimeout = 30 * time.Second
	defaultStartTimeout    = 60 * time.Second

	probeJobName      = "mode_probe"
	probeJobSpec      = "*/30 * * * * *"
	warmupJobName     = "cache_warmup"
	statsJobName      = "cache_stats"
	statsJobSpec      = "0 0 * * * *"
)

// Stats aggregates the runtime view the service exposes to hosts: cache
// accounting, resolve outcomes and the current operational mode.
type Stats struct {
	Cache       types.CacheStatistics  `json:"cache"`
	Performance types.PerformanceStats `json:"performance"`
	Mode        types.ModeStats        `json:"mode"`
	Uptime      time.Duration          `json:"uptime"`
}

// Service wires the caching, fetch and mode-control managers into one
// explicitly constructed unit. Nothing here is global; hosts hold the
// Service and call it from as many goroutines as they like.
type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	state           atomic.Value
	startedAt       time.Time
	shutdownTimeout time.Duration
	startTimeout    time.Duration

	config    *config.ConfigurationManager
	logger    types.LoggerManager
	metrics   types.MetricsManager
	cache     types.CacheManager
	fallback  types.FallbackDataset
	upstreams map[string]*upstream.HTTPClient
	pipeline  *upstream.Pipeline
	advisor   *advisor.Engine
	resolver  *flight.Coordinator
	mode      *mode.Controller
	events    types.EventBroker
	health    *health.Manager
	cron      types.CronManager

	warmupMu        sync.RWMutex
	warmupProducers map[string]types.Producer
}

// NewService builds a service from a yaml configuration file.
func NewService(ctx context.Context, configPath string) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); err != nil {
		return nil, types.WrapError(err, "config file does not exist")
	}

	configManager, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, err
	}

	return build(ctx, configManager)
}

// NewFromConfig builds a service from an in-memory configuration, primarily
// for embedded use and tests.
func NewFromConfig(ctx context.Context, serviceConfig *types.ServiceConfig) (*Service, error) {
	configManager, err := config.NewFromConfig(ctx, serviceConfig)
	if err != nil {
		return nil, err
	}

	return build(ctx, configManager)
}

func build(ctx context.Context, configManager *config.ConfigurationManager) (*Service, error) {
	serviceCtx, cancel := context.WithCancel(ctx)
	cfg := configManager.GetConfig()

	loggerConfig := cfg.Logger
	if loggerConfig == nil {
		loggerConfig = &types.LoggerConfig{}
	}

	log, err := logger.NewManager(serviceCtx, loggerConfig)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to create logger")
	}

	metricsManager, err := metrics.NewMetricsManager(serviceCtx, log, cfg.Metrics)
	if err != nil {
		if !types.IsError(err, types.ErrMetricsIsDisabled) {
			cancel()
			return nil, types.WrapError(err, "failed to create metrics manager")
		}
		metricsManager = nil
	}

	cacheManager, err := cache.NewCacheManager(serviceCtx, log, metricsManager, cfg.Cache)
	if err != nil {
		if !types.IsError(err, types.ErrCacheIsDisabled) {
			cancel()
			return nil, types.WrapError(err, "failed to create cache manager")
		}
		cacheManager = nil
	}

	fallbackDataset, err := fallback.NewDataset(serviceCtx, log, cfg.Fallback)
	if err != nil {
		if !types.IsError(err, types.ErrFallbackIsDisabled) {
			cancel()
			return nil, types.WrapError(err, "failed to create fallback dataset")
		}
		fallbackDataset = nil
	}

	upstreamClients := make(map[string]*upstream.HTTPClient, len(cfg.Upstreams))
	for name, upstreamConfig := range cfg.Upstreams {
		client, err := upstream.NewHTTPClient(serviceCtx, log, name, upstreamConfig)
		if err != nil {
			cancel()
			return nil, types.WrapError(err, fmt.Sprintf("failed to create upstream %s", name))
		}
		upstreamClients[name] = client
	}

	eventBroker, err := events.NewDispatcher(serviceCtx, configManager, log, metricsManager)
	if err != nil {
		if !types.IsError(err, types.ErrEventsIsDisabled) {
			cancel()
			return nil, types.WrapError(err, "failed to create event dispatcher")
		}
		eventBroker = nil
	}

	modeConfig := cfg.Mode
	if modeConfig == nil {
		modeConfig = &types.ModeConfig{}
	}

	modeController, err := mode.NewController(serviceCtx, log, metricsManager, eventBroker, modeConfig, buildProbe(upstreamClients))
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to create mode controller")
	}

	fetchPipeline := upstream.NewPipeline(log, metricsManager, cfg.Resolver, fallbackDataset)
	advisorEngine := advisor.NewEngine(metricsManager)
	coordinator := flight.NewCoordinator(log, metricsManager, cacheManager, fetchPipeline, advisorEngine, cfg.Resolver)

	healthManager, err := health.NewManager(serviceCtx, configManager, log)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to create health manager")
	}

	var cronManager types.CronManager
	if cfg.Cron != nil && cfg.Cron.Enabled {
		cronManager, err = cron.NewManager(serviceCtx, configManager, log, metricsManager)
		if err != nil {
			cancel()
			return nil, types.WrapError(err, "failed to create cron manager")
		}
	}

	service := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		shutdownTimeout: defaultShutdownTimeout,
		startTimeout:    defaultStartTimeout,
		config:          configManager,
		logger:          log,
		metrics:         metricsManager,
		cache:           cacheManager,
		fallback:        fallbackDataset,
		upstreams:       upstreamClients,
		pipeline:        fetchPipeline,
		advisor:         advisorEngine,
		resolver:        coordinator,
		mode:            modeController,
		events:          eventBroker,
		health:          healthManager,
		cron:            cronManager,
		warmupProducers: make(map[string]types.Producer),
	}

	service.state.Store(StateStopped)
	service.registerHealthCheckers()
	healthManager.SetModeProvider(modeController.CurrentMode)

	return service, nil
}

// buildProbe turns the configured upstream clients into a single
// connectivity probe. Every upstream has to answer for the probe to pass; a
// service with no upstreams gets no probe at all.
func buildProbe(clients map[string]*upstream.HTTPClient) types.ProbeFunc {
	if len(clients) == 0 {
		return nil
	}

	return func(ctx context.Context) error {
		g, gCtx := errgroup.WithContext(ctx)
		for _, client := range clients {
			client := client
			g.Go(func() error {
				return client.Probe(gCtx)
			})
		}
		return g.Wait()
	}
}

func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		s.logger.Warn("Service is already running")
		return types.ErrManagerAlreadyRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = types.NewErrorf("service panic: %v", r)
				s.logger.Error("Service start panic", zap.String("stack", string(buf[:n])))
				s.setState(StateStopped)
			}
		}()

		ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
		defer cancel()

		if err := s.startComponents(ctx); err != nil {
			s.setState(StateStopped)
			runErr = types.WrapError(err, "failed to start components")
			return
		}

		s.startedAt = time.Now()
		s.setState(StateRunning)
		s.logger.Info("Service started successfully")
	}()

	return runErr
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		s.logger.Warn("Service is not running")
		return types.ErrManagerNotRunning
	}

	s.logger.Info("Stopping service...")

	err := s.stopComponents()

	s.setState(StateStopped)
	s.cancel()

	if err != nil {
		return err
	}

	s.logger.Info("Service stopped gracefully")
	return nil
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Service) startComponents(ctx context.Context) error {
	cfg := s.config.GetConfig()

	if err := s.config.Start(); err != nil {
		return types.WrapError(err, "failed to start config manager")
	}

	if lifecycle, ok := s.logger.(types.LifecycleManager); ok {
		if err := lifecycle.Start(); err != nil {
			return types.WrapError(err, "failed to start logger")
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	if s.metrics != nil {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := s.metrics.Start(); err != nil {
					s.logger.Error("Failed to start metrics manager", zap.Error(err))
				}
				return nil
			}
		})
	}

	if s.cache != nil {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				return s.cache.Start()
			}
		})
	}

	if s.fallback != nil {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				return s.fallback.Start()
			}
		})
	}

	if s.events != nil {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := s.events.Start(); err != nil {
					s.logger.Error("Failed to start event dispatcher", zap.Error(err))
				}
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			return types.NewErrorf("component startup timeout: %v", ctx.Err())
		default:
			return err
		}
	}

	if err := s.mode.Start(); err != nil {
		return types.WrapError(err, "failed to start mode controller")
	}

	if err := s.mode.Initialize(ctx); err != nil {
		return types.WrapError(err, "failed to initialize mode controller")
	}

	if cfg.Health != nil && cfg.Health.Enabled {
		if err := s.health.Start(); err != nil {
			s.logger.Error("Failed to start health manager", zap.Error(err))
		}
	}

	if s.cron != nil {
		if err := s.registerCronJobs(cfg); err != nil {
			s.logger.Error("Failed to register cron jobs", zap.Error(err))
		}
		if err := s.cron.Start(); err != nil {
			s.logger.Error("Failed to start cron manager", zap.Error(err))
		}
	}

	s.logger.Info("All components started successfully")
	return nil
}

func (s *Service) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var stopErrors []error

	s.logger.Info("Stopping service components...")

	g, gCtx := errgroup.WithContext(ctx)

	if s.cron != nil {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := s.cron.Stop(); err != nil {
					s.logger.Error("Failed to stop cron manager", zap.Error(err))
					return err
				}
				return nil
			}
		})
	}

	if s.health.IsRunning() {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := s.health.Stop(); err != nil {
					s.logger.Error("Failed to stop health manager", zap.Error(err))
					return err
				}
				return nil
			}
		})
	}

	if s.events != nil {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := s.events.Stop(); err != nil {
					s.logger.Error("Failed to stop event dispatcher", zap.Error(err))
					return err
				}
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			s.logger.Warn("Component shutdown timeout, some components may not have stopped gracefully")
		default:
			stopErrors = append(stopErrors, err)
		}
	}

	if err := s.mode.Stop(); err != nil {
		s.logger.Error("Failed to stop mode controller", zap.Error(err))
		stopErrors = append(stopErrors, err)
	}

	if err := s.pipeline.Stop(); err != nil && !types.IsError(err, types.ErrManagerNotRunning) {
		s.logger.Error("Failed to stop fetch pipeline", zap.Error(err))
	}

	for name, client := range s.upstreams {
		client.Close()
		s.logger.Debug("Upstream client closed", zap.String("upstream", name))
	}

	g, _ = errgroup.WithContext(context.Background())

	if s.cache != nil {
		g.Go(func() error {
			if err := s.cache.Stop(); err != nil {
				s.logger.Error("Failed to stop cache manager", zap.Error(err))
				return err
			}
			return nil
		})
	}

	if s.fallback != nil {
		g.Go(func() error {
			if err := s.fallback.Stop(); err != nil {
				s.logger.Error("Failed to stop fallback dataset", zap.Error(err))
				return err
			}
			return nil
		})
	}

	if s.metrics != nil {
		g.Go(func() error {
			if err := s.metrics.Stop(); err != nil {
				s.logger.Error("Failed to stop metrics manager", zap.Error(err))
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		stopErrors = append(stopErrors, err)
	}

	if lifecycle, ok := s.logger.(types.LifecycleManager); ok {
		if err := lifecycle.Stop(); err != nil {
			stopErrors = append(stopErrors, err)
		}
	}

	if err := s.config.Stop(); err != nil {
		stopErrors = append(stopErrors, err)
	}

	if len(stopErrors) > 0 {
		return types.Errorf(types.ErrComponentStopFailed, "%d components failed to stop", len(stopErrors))
	}

	return nil
}

// Resolve runs one request through the capability gate and the resolver.
// The producer only executes when the mode permits the operation and the
// cache cannot answer.
func (s *Service) Resolve(ctx context.Context, operation, key string, ttl time.Duration, producer types.Producer) (interface{}, error) {
	if !s.IsRunning() {
		return nil, types.ErrManagerNotRunning
	}

	if err := s.mode.Authorize(operation); err != nil {
		return nil, err
	}

	return s.resolver.Resolve(ctx, key, ttl, producer)
}

// Invalidate removes cached entries matching the key or glob pattern and
// publishes a cache.invalidated event. Returns the number of entries removed.
func (s *Service) Invalidate(pattern string) (int, error) {
	if s.cache == nil {
		return 0, types.ErrCacheIsDisabled
	}

	removed, err := s.cache.Invalidate(pattern)
	if err != nil {
		return 0, err
	}

	s.publish(types.EventCacheInvalidate, map[string]interface{}{
		"pattern": pattern,
		"removed": removed,
	})

	return removed, nil
}

// RegisterWarmupProducer binds a producer to a cache key so Warmup and the
// scheduled warmup job can resolve it. Keys without a producer are skipped
// during warmup.
func (s *Service) RegisterWarmupProducer(key string, producer types.Producer) {
	if key == "" || producer == nil {
		return
	}

	s.warmupMu.Lock()
	s.warmupProducers[key] = producer
	s.warmupMu.Unlock()
}

// Warmup resolves the given keys through the normal pipeline so they land in
// the cache before real traffic needs them. With no keys the configured
// warmup list is used. Individual failures are logged and skipped.
func (s *Service) Warmup(ctx context.Context, keys []string) (int, error) {
	if !s.IsRunning() {
		return 0, types.ErrManagerNotRunning
	}

	if len(keys) == 0 {
		if cfg := s.config.GetConfig(); cfg.Warmup != nil {
			keys = cfg.Warmup.Keys
		}
	}

	ttl := time.Duration(0)
	if cfg := s.config.GetConfig(); cfg.Cache != nil {
		ttl = cfg.Cache.DefaultTTL
	}

	warmed := 0
	for _, key := range keys {
		s.warmupMu.RLock()
		producer, exists := s.warmupProducers[key]
		s.warmupMu.RUnlock()

		if !exists {
			s.logger.Debug("No warmup producer registered, skipping key", zap.String("key", key))
			continue
		}

		if _, err := s.resolver.Resolve(ctx, key, ttl, producer); err != nil {
			s.logger.Warn("Warmup resolve failed",
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		warmed++
	}

	s.publish(types.EventWarmupCompleted, map[string]interface{}{
		"requested": len(keys),
		"warmed":    warmed,
	})

	s.logger.Info("Cache warmup completed",
		zap.Int("requested", len(keys)),
		zap.Int("warmed", warmed))

	return warmed, nil
}

// GetStats returns the aggregate runtime statistics.
func (s *Service) GetStats() Stats {
	stats := Stats{
		Performance: s.advisor.Performance(),
		Mode:        s.mode.GetStats(),
	}

	if s.cache != nil {
		stats.Cache = s.cache.Stats()
	}

	if !s.startedAt.IsZero() {
		stats.Uptime = time.Since(s.startedAt)
	}

	return stats
}

// GetRecommendations returns tuning advice derived from the current cache
// and resolve statistics.
func (s *Service) GetRecommendations() []string {
	var cacheStats types.CacheStatistics
	if s.cache != nil {
		cacheStats = s.cache.Stats()
	}

	return s.advisor.Recommendations(cacheStats)
}

func (s *Service) IsCapabilityAvailable(operation string) bool {
	return s.mode.IsCapabilityAvailable(operation)
}

// SwitchMode attempts a transition to the target mode. Modes that need
// connectivity are probed first; a failed probe leaves the current mode in
// place and returns false without an error.
func (s *Service) SwitchMode(ctx context.Context, target types.Mode) (bool, error) {
	return s.mode.SwitchMode(ctx, target)
}

func (s *Service) CurrentMode() types.Mode {
	return s.mode.CurrentMode()
}

func (s *Service) GetModeStats() types.ModeStats {
	return s.mode.GetStats()
}

// Probe re-checks live-upstream connectivity on demand.
func (s *Service) Probe(ctx context.Context) error {
	return s.mode.Probe(ctx)
}

// CheckHealth runs all registered health checkers and returns the report.
func (s *Service) CheckHealth(ctx context.Context) types.HealthReport {
	return s.health.Check(ctx)
}

// Events exposes the event broker for hosts that want to subscribe to
// mode.changed, cache.invalidated and the other service events. Nil when
// events are disabled.
func (s *Service) Events() types.EventBroker {
	return s.events
}

// Upstream returns the named live upstream client for producers that call
// through to it.
func (s *Service) Upstream(name string) (*upstream.HTTPClient, error) {
	client, exists := s.upstreams[name]
	if !exists {
		return nil, types.Errorf(types.ErrUpstreamNotConfigured, "upstream: %s", name)
	}
	return client, nil
}

func (s *Service) Logger() types.Logger {
	return s.logger
}

func (s *Service) registerHealthCheckers() {
	s.health.RegisterChecker("cache", func(ctx context.Context) types.HealthCheck {
		check := types.HealthCheck{Name: "cache"}

		if s.cache == nil {
			check.Status = types.StatusUnknown
			check.Message = "cache disabled"
			return check
		}

		if !s.cache.IsRunning() {
			check.Status = types.StatusUnhealthy
			check.Message = "cache manager is not running"
			return check
		}

		stats := s.cache.Stats()
		check.Status = types.StatusHealthy
		check.Details = map[string]interface{}{
			"size":         stats.Size,
			"memory_bytes": stats.MemoryUsageBytes,
			"hit_ratio":    stats.HitRatio,
		}
		return check
	})

	s.health.RegisterChecker("upstream", func(ctx context.Context) types.HealthCheck {
		check := types.HealthCheck{Name: "upstream"}

		if len(s.upstreams) == 0 {
			check.Status = types.StatusUnknown
			check.Message = "no upstreams configured"
			return check
		}

		if err := s.mode.Probe(ctx); err != nil {
			check.Status = types.StatusUnhealthy
			check.Message = err.Error()
			return check
		}

		check.Status = types.StatusHealthy
		return check
	})

	s.health.RegisterChecker("resolver", func(ctx context.Context) types.HealthCheck {
		check := types.HealthCheck{Name: "resolver"}

		performance := s.advisor.Performance()
		check.Details = map[string]interface{}{
			"total_requests": performance.TotalRequests,
			"error_rate":     performance.ErrorRate,
		}

		if performance.TotalRequests >= 100 && performance.ErrorRate > 0.5 {
			check.Status = types.StatusUnhealthy
			check.Message = fmt.Sprintf("resolve error rate %.2f", performance.ErrorRate)
			return check
		}

		check.Status = types.StatusHealthy
		return check
	})
}

func (s *Service) registerCronJobs(cfg *types.ServiceConfig) error {
	if len(s.upstreams) > 0 {
		err := s.cron.Add(probeJobName, probeJobSpec, func() {
			if err := s.mode.Probe(s.ctx); err != nil {
				s.logger.Debug("Scheduled probe failed", zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
	}

	if cfg.Warmup != nil && cfg.Warmup.Enabled && cfg.Warmup.Schedule != "" {
		err := s.cron.Add(warmupJobName, cfg.Warmup.Schedule, func() {
			if _, err := s.Warmup(s.ctx, nil); err != nil {
				s.logger.Warn("Scheduled warmup failed", zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
	}

	if s.cache != nil {
		err := s.cron.Add(statsJobName, statsJobSpec, func() {
			stats := s.cache.Stats()
			s.logger.Info("Cache statistics",
				zap.Int("size", stats.Size),
				zap.Uint64("memory_bytes", stats.MemoryUsageBytes),
				zap.Float64("hit_ratio", stats.HitRatio),
				zap.Uint64("evictions", stats.Evictions))
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Service) publish(event string, payload interface{}) {
	if s.events == nil {
		return
	}

	if err := s.events.Publish(event, payload); err != nil {
		s.logger.Warn("Failed to publish event",
			zap.String("event", event),
			zap.Error(err))
	}
}

// Capabilities returns the sorted operations permitted in the current mode.
func (s *Service) Capabilities() []string {
	capabilities := s.mode.GetStats().Capabilities
	sort.Strings(capabilities)
	return capabilities
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}
