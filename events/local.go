package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Vincy69/mcp-drupal-server-sub002/types"
)

const handlerTimeout = 30 * time.Second

// LocalBroker delivers events to in-process subscribers. It is the default
// backend: mode changes and cache invalidations mostly matter to the host
// process itself.
type LocalBroker struct {
	ctx           context.Context
	cancel        context.CancelFunc
	logger        types.Logger
	metrics       types.MetricsManager
	subscriptions map[string][]types.EventHandler
	subsMu        sync.RWMutex
	running       int32
}

func NewLocalBroker(ctx context.Context, logger types.Logger, metrics types.MetricsManager) types.EventBroker {
	brokerCtx, cancel := context.WithCancel(ctx)

	return &LocalBroker{
		ctx:           brokerCtx,
		cancel:        cancel,
		logger:        logger,
		metrics:       metrics,
		subscriptions: make(map[string][]types.EventHandler),
	}
}

func (b *LocalBroker) Publish(event string, payload interface{}) error {
	if !b.IsRunning() {
		return types.ErrEventsNotInitialized
	}

	message := &types.EventMessage{
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now(),
		Source:    "local-broker",
		MessageID: uuid.New().String(),
	}

	b.subsMu.RLock()
	handlers := make([]types.EventHandler, len(b.subscriptions[event]))
	copy(handlers, b.subscriptions[event])
	b.subsMu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("No handlers for event", zap.String("event", event))
		return nil
	}

	ctx, cancel := context.WithTimeout(b.ctx, handlerTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	for _, handler := range handlers {
		h := handler
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				return h(message)
			}
		})
	}

	if err := g.Wait(); err != nil {
		b.logger.Error("Event handler failed",
			zap.String("event", event),
			zap.String("message_id", message.MessageID),
			zap.Error(err))
		b.recordMetric("publish", "error", event)
		return types.WrapError(err, "event handler failed")
	}

	b.recordMetric("publish", "success", event)
	return nil
}

func (b *LocalBroker) Subscribe(event string, handler types.EventHandler) error {
	if event == "" || handler == nil {
		return types.ErrEventsNotInitialized
	}

	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	b.subscriptions[event] = append(b.subscriptions[event], b.wrapHandler(event, handler))

	b.logger.Debug("Subscribed to event",
		zap.String("event", event),
		zap.Int("total_handlers", len(b.subscriptions[event])))

	return nil
}

func (b *LocalBroker) Unsubscribe(event string) error {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	delete(b.subscriptions, event)
	return nil
}

func (b *LocalBroker) Start() error {
	if !atomic.CompareAndSwapInt32(&b.running, 0, 1) {
		return types.ErrManagerAlreadyRunning
	}

	b.logger.Info("Local event broker started")
	return nil
}

func (b *LocalBroker) Stop() error {
	if !atomic.CompareAndSwapInt32(&b.running, 1, 0) {
		return types.ErrManagerNotRunning
	}

	b.cancel()
	b.logger.Info("Local event broker stopped")
	return nil
}

func (b *LocalBroker) IsRunning() bool {
	return atomic.LoadInt32(&b.running) == 1
}

func (b *LocalBroker) wrapHandler(event string, handler types.EventHandler) types.EventHandler {
	return func(message *types.EventMessage) error {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("Event handler panicked",
					zap.String("event", event),
					zap.Any("panic", r))
				b.recordMetric("handle", "panic", event)
			}
		}()

		return handler(message)
	}
}

func (b *LocalBroker) recordMetric(operation, result, event string) {
	if b.metrics == nil {
		return
	}

	b.metrics.Counter("event_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
		"event":     event,
	}).Inc()
}
