package mode

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Vincy69/mcp-drupal-server-sub002/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const defaultProbeTimeout = 5 * time.Second

// Default capability sets. Documentation and search operations work in every
// mode since they never need the live upstream. Live reads additionally work
// in SMART_FALLBACK, where a failed fetch degrades to a substitute answer.
// Mutations require a mode that guarantees connectivity.
var defaultCapabilities = map[types.Mode][]string{
	types.ModeDocsOnly: docsOperations(),
	types.ModeLiveOnly: append(liveReadOperations(), liveWriteOperations()...),
	types.ModeHybrid: append(docsOperations(),
		append(liveReadOperations(), liveWriteOperations()...)...),
	types.ModeSmartFallback: append(docsOperations(), liveReadOperations()...),
}

func docsOperations() []string {
	return []string{
		"search_functions",
		"get_function_details",
		"get_class_details",
		"get_hook_details",
		"search_contrib_modules",
		"generate_module_scaffold",
	}
}

func liveReadOperations() []string {
	return []string{
		"get_node",
		"list_content_types",
		"get_site_status",
	}
}

func liveWriteOperations() []string {
	return []string{
		"create_node",
		"update_node",
		"delete_node",
		"execute_query",
	}
}

// Controller is the operational mode state machine. All mutation goes
// through it; reads are lock-protected snapshots so hosts can call from any
// goroutine.
type Controller struct {
	ctx          context.Context
	cancel       context.CancelFunc
	logger       types.Logger
	metrics      types.MetricsManager
	events       types.EventBroker
	probe        types.ProbeFunc
	config       *types.ModeConfig
	capabilities map[types.Mode]map[string]bool
	probeTimeout time.Duration

	mu               sync.RWMutex
	currentMode      types.Mode
	fallbackMode     types.Mode
	connectionStatus types.ConnectionStatus
	lastProbeAt      time.Time
	transitions      atomic.Uint64

	state atomic.Value
}

func NewController(ctx context.Context, logger types.Logger, metrics types.MetricsManager, events types.EventBroker, config *types.ModeConfig, probe types.ProbeFunc) (*Controller, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	initialMode := config.InitialMode
	if initialMode == "" {
		initialMode = types.ModeSmartFallback
	}
	if !initialMode.Valid() {
		return nil, types.Errorf(types.ErrModeUnknown, "initial mode %q", initialMode)
	}

	fallbackMode := config.FallbackMode
	if fallbackMode == "" {
		fallbackMode = types.ModeDocsOnly
	}
	if !fallbackMode.Valid() {
		return nil, types.Errorf(types.ErrModeUnknown, "fallback mode %q", fallbackMode)
	}

	probeTimeout := config.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}

	controllerCtx, cancel := context.WithCancel(ctx)

	controller := &Controller{
		ctx:              controllerCtx,
		cancel:           cancel,
		logger:           logger,
		metrics:          metrics,
		events:           events,
		probe:            probe,
		config:           config,
		capabilities:     buildCapabilities(config.Capabilities),
		probeTimeout:     probeTimeout,
		currentMode:      initialMode,
		fallbackMode:     fallbackMode,
		connectionStatus: types.ConnectionUnknown,
	}

	controller.state.Store(StateStopped)

	return controller, nil
}

// buildCapabilities merges configured per-mode overrides over the defaults.
// An override replaces the whole set for that mode.
func buildCapabilities(overrides map[string][]string) map[types.Mode]map[string]bool {
	capabilities := make(map[types.Mode]map[string]bool, len(defaultCapabilities))

	for mode, operations := range defaultCapabilities {
		set := make(map[string]bool, len(operations))
		for _, operation := range operations {
			set[operation] = true
		}
		capabilities[mode] = set
	}

	for modeName, operations := range overrides {
		mode := types.Mode(modeName)
		if !mode.Valid() {
			continue
		}
		set := make(map[string]bool, len(operations))
		for _, operation := range operations {
			set[operation] = true
		}
		capabilities[mode] = set
	}

	return capabilities
}

// Initialize settles the starting mode. Modes that require connectivity are
// probed first; on failure the controller drops to the fallback mode instead
// of refusing to start.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.RLock()
	initialMode := c.currentMode
	c.mu.RUnlock()

	if !initialMode.RequiresConnectivity() {
		c.logger.Info("Mode controller initialized",
			zap.String("mode", string(initialMode)))
		return nil
	}

	if err := c.Probe(ctx); err != nil {
		c.mu.Lock()
		fallbackMode := c.fallbackMode
		previousMode := c.currentMode
		c.currentMode = fallbackMode
		c.mu.Unlock()

		c.transitions.Add(1)
		c.recordTransition(previousMode, fallbackMode, "probe_failed")

		c.logger.Warn("Initial connectivity probe failed, falling back",
			zap.String("requested_mode", string(initialMode)),
			zap.String("mode", string(fallbackMode)),
			zap.Error(err))

		c.publish(types.EventModeChanged, map[string]interface{}{
			"from":   string(previousMode),
			"to":     string(fallbackMode),
			"reason": "probe_failed",
		})

		return nil
	}

	c.logger.Info("Mode controller initialized",
		zap.String("mode", string(initialMode)))
	return nil
}

func (c *Controller) CurrentMode() types.Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentMode
}

func (c *Controller) IsCapabilityAvailable(operation string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	set, exists := c.capabilities[c.currentMode]
	if !exists {
		return false
	}
	return set[operation]
}

func (c *Controller) Authorize(operation string) error {
	c.mu.RLock()
	currentMode := c.currentMode
	set := c.capabilities[currentMode]
	c.mu.RUnlock()

	if set[operation] {
		return nil
	}

	c.incCounter("mode_capability_denied_total", map[string]string{
		"operation": operation,
		"mode":      string(currentMode),
	})

	return &types.CapabilityDeniedError{
		Operation:     operation,
		CurrentMode:   currentMode,
		SuggestedMode: c.suggestMode(operation),
	}
}

// suggestMode names a mode that would permit the operation, preferring the
// least connected one.
func (c *Controller) suggestMode(operation string) types.Mode {
	order := []types.Mode{
		types.ModeDocsOnly,
		types.ModeSmartFallback,
		types.ModeHybrid,
		types.ModeLiveOnly,
	}

	for _, mode := range order {
		if c.capabilities[mode][operation] {
			return mode
		}
	}
	return ""
}

// SwitchMode moves to the target mode. Targets needing connectivity are
// probed first; a failed probe leaves the current mode untouched and
// returns false without an error.
func (c *Controller) SwitchMode(ctx context.Context, target types.Mode) (bool, error) {
	if !target.Valid() {
		return false, types.Errorf(types.ErrModeUnknown, "mode %q", target)
	}

	c.mu.RLock()
	currentMode := c.currentMode
	c.mu.RUnlock()

	if target == currentMode {
		return true, nil
	}

	if target.RequiresConnectivity() {
		if err := c.Probe(ctx); err != nil {
			c.logger.Warn("Mode switch refused, target unreachable",
				zap.String("current_mode", string(currentMode)),
				zap.String("target_mode", string(target)),
				zap.Error(err))
			return false, nil
		}
	}

	c.mu.Lock()
	previousMode := c.currentMode
	c.currentMode = target
	c.mu.Unlock()

	c.transitions.Add(1)
	c.recordTransition(previousMode, target, "manual")

	c.logger.Info("Mode switched",
		zap.String("from", string(previousMode)),
		zap.String("to", string(target)))

	c.publish(types.EventModeChanged, map[string]interface{}{
		"from":   string(previousMode),
		"to":     string(target),
		"reason": "manual",
	})

	return true, nil
}

// Probe checks live-upstream reachability and records the result. It never
// changes the current mode.
func (c *Controller) Probe(ctx context.Context) error {
	if c.probe == nil {
		c.setConnectionStatus(types.ConnectionUnknown)
		return types.Errorf(types.ErrUpstreamProbeFailed, "no probe configured")
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	start := time.Now()
	err := c.probe(probeCtx)
	duration := time.Since(start)

	c.mu.Lock()
	c.lastProbeAt = time.Now()
	c.mu.Unlock()

	if err != nil {
		c.setConnectionStatus(types.ConnectionUnreachable)
		c.incCounter("mode_probes_total", map[string]string{"result": "failure"})

		c.publish(types.EventModeProbeFailed, map[string]interface{}{
			"error": err.Error(),
		})

		return types.WrapError(err, "connectivity probe failed")
	}

	c.setConnectionStatus(types.ConnectionReachable)
	c.incCounter("mode_probes_total", map[string]string{"result": "success"})

	c.logger.Debug("Connectivity probe succeeded",
		zap.Duration("duration", duration))

	return nil
}

func (c *Controller) GetStats() types.ModeStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	set := c.capabilities[c.currentMode]
	capabilities := make([]string, 0, len(set))
	for operation := range set {
		capabilities = append(capabilities, operation)
	}
	sort.Strings(capabilities)

	return types.ModeStats{
		CurrentMode:      c.currentMode,
		FallbackMode:     c.fallbackMode,
		ConnectionStatus: c.connectionStatus,
		LastProbeAt:      c.lastProbeAt,
		Transitions:      c.transitions.Load(),
		Capabilities:     capabilities,
	}
}

func (c *Controller) Start() error {
	if !c.transitionState(StateStopped, StateStarting) {
		c.logger.Warn("Mode controller is already running")
		return types.ErrManagerAlreadyRunning
	}

	defer func() {
		if c.getState() == StateStarting {
			c.setState(StateRunning)
		}
	}()

	c.logger.Info("Mode controller started",
		zap.String("mode", string(c.CurrentMode())))
	return nil
}

func (c *Controller) Stop() error {
	if !c.transitionState(StateRunning, StateStopping) {
		c.logger.Warn("Mode controller is not running")
		return types.ErrManagerNotRunning
	}

	defer func() {
		c.setState(StateStopped)
		c.cancel()
	}()

	c.logger.Info("Mode controller stopped")
	return nil
}

func (c *Controller) IsRunning() bool {
	return c.getState() == StateRunning
}

func (c *Controller) getState() State {
	return c.state.Load().(State)
}

func (c *Controller) setState(newState State) bool {
	currentState := c.getState()
	return c.state.CompareAndSwap(currentState, newState)
}

func (c *Controller) transitionState(from, to State) bool {
	return c.state.CompareAndSwap(from, to)
}

func (c *Controller) setConnectionStatus(status types.ConnectionStatus) {
	c.mu.Lock()
	c.connectionStatus = status
	c.mu.Unlock()
}

func (c *Controller) recordTransition(from, to types.Mode, reason string) {
	c.incCounter("mode_transitions_total", map[string]string{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
}

func (c *Controller) publish(event string, payload interface{}) {
	if c.events == nil {
		return
	}

	if err := c.events.Publish(event, payload); err != nil {
		c.logger.Error("Failed to publish mode event",
			zap.String("event", event),
			zap.Error(err))
	}
}

func (c *Controller) incCounter(name string, labels map[string]string) {
	if c.metrics == nil {
		return
	}
	c.metrics.Counter(name, labels).Inc()
}
