package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Vincy69/mcp-drupal-server-sub002/types"
)

var (
	customBrokerCreators = make(map[string]types.EventBrokerCreator)
	customBrokerMu       sync.RWMutex
)

// RegisterEventBroker registers a custom broker backend under the given
// type name so it can be selected from configuration.
func RegisterEventBroker(brokerType string, creator types.EventBrokerCreator) {
	customBrokerMu.Lock()
	defer customBrokerMu.Unlock()
	customBrokerCreators[brokerType] = creator
}

// Dispatcher fans each published event out to the configured broker and to
// registered webhooks. Subscriptions go to the broker only.
type Dispatcher struct {
	ctx        context.Context
	logger     types.Logger
	metrics    types.MetricsManager
	broker     types.EventBroker
	webhookMgr *WebhookManager
	mu         sync.RWMutex
	running    int32
}

func NewDispatcher(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (types.EventBroker, error) {
	eventsConfig := config.GetConfig().Events

	if eventsConfig == nil || !eventsConfig.Enabled {
		return nil, types.ErrEventsIsDisabled
	}

	var broker types.EventBroker
	var err error

	switch eventsConfig.Type {
	case "local", "", "memory":
		broker = NewLocalBroker(ctx, logger, metrics)
	case "websocket":
		broker, err = NewWebSocketBroker(ctx, logger, metrics, eventsConfig)
	default:
		customBrokerMu.RLock()
		creator, exists := customBrokerCreators[eventsConfig.Type]
		customBrokerMu.RUnlock()
		if !exists {
			return nil, types.Errorf(types.ErrEventsTypeUnknown, "type %q", eventsConfig.Type)
		}
		broker, err = creator(eventsConfig.Config)
	}

	if err != nil {
		return nil, types.WrapError(err, "failed to create event broker")
	}

	dispatcher := &Dispatcher{
		ctx:     ctx,
		logger:  logger,
		metrics: metrics,
		broker:  broker,
	}

	if eventsConfig.Webhook != nil && eventsConfig.Webhook.Enabled {
		webhookMgr, err := NewWebhookManager(ctx, logger, metrics, eventsConfig.Webhook)
		if err != nil {
			return nil, types.WrapError(err, "failed to create webhook manager")
		}
		dispatcher.webhookMgr = webhookMgr
	}

	return newInstrumentedDispatcher(logger, metrics, dispatcher), nil
}

func (d *Dispatcher) Publish(event string, payload interface{}) error {
	if !d.IsRunning() {
		return types.ErrEventsNotInitialized
	}

	var wg sync.WaitGroup

	d.mu.RLock()
	broker := d.broker
	webhookMgr := d.webhookMgr
	d.mu.RUnlock()

	if broker != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := broker.Publish(event, payload); err != nil {
				d.logger.Error("Broker publish failed",
					zap.String("event", event),
					zap.Error(err))
			}
		}()
	}

	if webhookMgr != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := webhookMgr.NotifyWebhooks(event, payload); err != nil {
				d.logger.Error("Webhook notification failed",
					zap.String("event", event),
					zap.Error(err))
			}
		}()
	}

	wg.Wait()
	return nil
}

func (d *Dispatcher) Subscribe(event string, handler types.EventHandler) error {
	d.mu.RLock()
	broker := d.broker
	d.mu.RUnlock()

	if broker == nil {
		return types.NewErrorf("no broker available for subscriptions")
	}

	return broker.Subscribe(event, handler)
}

func (d *Dispatcher) Unsubscribe(event string) error {
	d.mu.RLock()
	broker := d.broker
	d.mu.RUnlock()

	if broker == nil {
		return types.NewErrorf("no broker available for unsubscriptions")
	}

	return broker.Unsubscribe(event)
}

// Webhooks exposes the webhook subscription store; nil when webhooks are
// not configured.
func (d *Dispatcher) Webhooks() *WebhookManager {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.webhookMgr
}

func (d *Dispatcher) Start() error {
	if !atomic.CompareAndSwapInt32(&d.running, 0, 1) {
		return types.ErrManagerAlreadyRunning
	}

	if d.webhookMgr != nil {
		if err := d.webhookMgr.Start(); err != nil {
			atomic.StoreInt32(&d.running, 0)
			return types.WrapError(err, "failed to start webhook manager")
		}
	}

	d.mu.RLock()
	broker := d.broker
	d.mu.RUnlock()

	if broker != nil {
		if err := broker.Start(); err != nil {
			d.logger.Error("Failed to start broker", zap.Error(err))
		}
	}

	d.logger.Info("Event dispatcher started")
	return nil
}

func (d *Dispatcher) Stop() error {
	if !atomic.CompareAndSwapInt32(&d.running, 1, 0) {
		return types.ErrManagerNotRunning
	}

	if d.webhookMgr != nil {
		if err := d.webhookMgr.Stop(); err != nil {
			d.logger.Error("Failed to stop webhook manager", zap.Error(err))
		}
	}

	d.mu.RLock()
	broker := d.broker
	d.mu.RUnlock()

	if broker != nil {
		if err := broker.Stop(); err != nil {
			d.logger.Error("Failed to stop broker", zap.Error(err))
		}
	}

	d.logger.Info("Event dispatcher stopped")
	return nil
}

func (d *Dispatcher) IsRunning() bool {
	return atomic.LoadInt32(&d.running) == 1
}

type instrumentedDispatcher struct {
	impl    *Dispatcher
	logger  types.Logger
	metrics types.MetricsManager
}

func newInstrumentedDispatcher(logger types.Logger, metrics types.MetricsManager, impl *Dispatcher) types.EventBroker {
	return &instrumentedDispatcher{
		impl:    impl,
		logger:  logger,
		metrics: metrics,
	}
}

func (id *instrumentedDispatcher) Publish(event string, payload interface{}) error {
	start := time.Now()
	err := id.impl.Publish(event, payload)
	id.recordMetric("publish", err, event, time.Since(start))
	return err
}

func (id *instrumentedDispatcher) Subscribe(event string, handler types.EventHandler) error {
	start := time.Now()
	err := id.impl.Subscribe(event, handler)
	id.recordMetric("subscribe", err, event, time.Since(start))
	return err
}

func (id *instrumentedDispatcher) Unsubscribe(event string) error {
	start := time.Now()
	err := id.impl.Unsubscribe(event)
	id.recordMetric("unsubscribe", err, event, time.Since(start))
	return err
}

func (id *instrumentedDispatcher) Start() error {
	return id.impl.Start()
}

func (id *instrumentedDispatcher) Stop() error {
	return id.impl.Stop()
}

func (id *instrumentedDispatcher) IsRunning() bool {
	return id.impl.IsRunning()
}

func (id *instrumentedDispatcher) recordMetric(operation string, err error, event string, duration time.Duration) {
	if id.metrics == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
	}

	id.metrics.Counter("event_dispatch_total", map[string]string{
		"operation": operation,
		"result":    result,
		"event":     event,
	}).Inc()

	id.metrics.Histogram("event_dispatch_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 1.0, 5.0},
		map[string]string{"operation": operation},
	).Observe(duration.Seconds())
}
