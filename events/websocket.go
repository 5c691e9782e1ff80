package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Vincy69/mcp-drupal-server-sub002/types"
	"github.com/Vincy69/mcp-drupal-server-sub002/utils"
)

type BrokerState int32

const (
	BrokerStateStopped BrokerState = iota
	BrokerStateStarting
	BrokerStateRunning
	BrokerStateStopping
	BrokerStateReconnecting
)

type WebSocketConfig struct {
	URL            string        `yaml:"url" json:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	PingInterval   time.Duration `yaml:"ping_interval" json:"ping_interval"`
	PongWait       time.Duration `yaml:"pong_wait" json:"pong_wait"`
	WriteWait      time.Duration `yaml:"write_wait" json:"write_wait"`
}

// WebSocketBroker mirrors events to an external collector over a dial-out
// websocket connection, reconnecting with a bounded retry budget.
type WebSocketBroker struct {
	ctx               context.Context
	cancel            context.CancelFunc
	logger            types.Logger
	metrics           types.MetricsManager
	config            *WebSocketConfig
	conn              *websocket.Conn
	connMu            sync.RWMutex
	subscriptions     map[string][]types.EventHandler
	subsMu            sync.RWMutex
	send              chan *types.EventMessage
	reconnectCh       chan struct{}
	state             atomic.Value
	shutdownTimeout   time.Duration
	reconnectAttempts int32
}

func NewWebSocketBroker(ctx context.Context, logger types.Logger, metrics types.MetricsManager, config *types.EventsConfig) (types.EventBroker, error) {
	wsConfig := &WebSocketConfig{
		URL:            "ws://localhost:8081/ws",
		ReconnectDelay: 5 * time.Second,
		MaxRetries:     10,
		PingInterval:   54 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
	}

	if config != nil && config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, wsConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal WebSocket config")
		}
	}

	brokerCtx, cancel := context.WithCancel(ctx)

	broker := &WebSocketBroker{
		ctx:             brokerCtx,
		cancel:          cancel,
		logger:          logger,
		metrics:         metrics,
		config:          wsConfig,
		subscriptions:   make(map[string][]types.EventHandler),
		send:            make(chan *types.EventMessage, 256),
		reconnectCh:     make(chan struct{}, 1),
		shutdownTimeout: 10 * time.Second,
	}

	broker.state.Store(BrokerStateStopped)

	logger.Info("WebSocket broker initialized",
		zap.String("url", wsConfig.URL),
		zap.Duration("reconnect_delay", wsConfig.ReconnectDelay),
		zap.Int("max_retries", wsConfig.MaxRetries))

	return broker, nil
}

func (w *WebSocketBroker) Publish(event string, payload interface{}) error {
	if !w.IsRunning() {
		return types.ErrEventsNotInitialized
	}

	message := &types.EventMessage{
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now(),
		Source:    "websocket-broker",
		MessageID: uuid.New().String(),
	}

	select {
	case w.send <- message:
		w.recordMetric("publish", "success", event)
		return nil
	case <-w.ctx.Done():
		w.recordMetric("publish", "canceled", event)
		return types.ErrEventsNotInitialized
	default:
		w.logger.Error("Send channel is full, dropping message",
			zap.String("event", event),
			zap.String("message_id", message.MessageID))
		w.recordMetric("publish", "dropped", event)
		return types.ErrEventsPublishFailed
	}
}

func (w *WebSocketBroker) Subscribe(event string, handler types.EventHandler) error {
	if event == "" || handler == nil {
		return types.ErrEventsNotInitialized
	}

	if w.IsRunning() {
		return types.ErrManagerAlreadyRunning
	}

	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	w.subscriptions[event] = append(w.subscriptions[event], w.wrapHandler(event, handler))

	w.logger.Debug("Subscribed to event",
		zap.String("event", event),
		zap.Int("total_handlers", len(w.subscriptions[event])))

	return nil
}

func (w *WebSocketBroker) Unsubscribe(event string) error {
	if !w.IsRunning() {
		return types.ErrEventsNotInitialized
	}

	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	delete(w.subscriptions, event)
	return nil
}

func (w *WebSocketBroker) Start() error {
	if !w.transitionState(BrokerStateStopped, BrokerStateStarting) {
		return types.ErrManagerAlreadyRunning
	}

	defer func() {
		if w.getState() == BrokerStateStarting {
			w.setState(BrokerStateRunning)
		}
	}()

	if err := w.connect(); err != nil {
		w.setState(BrokerStateStopped)
		w.logger.Error("Failed to establish initial connection", zap.Error(err))
		return types.WrapError(err, "failed to establish initial connection")
	}

	go w.readPump()
	go w.writePump()
	go w.reconnectLoop()

	w.logger.Info("WebSocket broker started successfully")
	return nil
}

func (w *WebSocketBroker) Stop() error {
	if !w.transitionState(BrokerStateRunning, BrokerStateStopping) &&
		!w.transitionState(BrokerStateReconnecting, BrokerStateStopping) {
		return types.ErrManagerNotRunning
	}

	defer func() {
		w.setState(BrokerStateStopped)
		w.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), w.shutdownTimeout)
	defer cancel()

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		w.connMu.Lock()
		defer w.connMu.Unlock()

		if w.conn != nil {
			if err := w.conn.Close(); err != nil {
				return err
			}
			w.conn = nil
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			w.logger.Warn("WebSocket broker stop timeout, some components may not have stopped gracefully")
		default:
			w.logger.Error("Error during broker shutdown", zap.Error(err))
		}
	} else {
		w.logger.Info("WebSocket broker stopped gracefully")
	}

	return nil
}

func (w *WebSocketBroker) IsRunning() bool {
	state := w.getState()
	return state == BrokerStateRunning || state == BrokerStateReconnecting
}

func (w *WebSocketBroker) getState() BrokerState {
	return w.state.Load().(BrokerState)
}

func (w *WebSocketBroker) setState(newState BrokerState) bool {
	currentState := w.getState()
	return w.state.CompareAndSwap(currentState, newState)
}

func (w *WebSocketBroker) transitionState(from, to BrokerState) bool {
	return w.state.CompareAndSwap(from, to)
}

func (w *WebSocketBroker) connect() error {
	w.logger.Debug("Attempting to connect to WebSocket server",
		zap.String("url", w.config.URL))

	dialCtx, cancel := context.WithTimeout(w.ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, w.config.URL, nil)
	if err != nil {
		return types.WrapError(err, "failed to dial WebSocket server")
	}

	w.connMu.Lock()
	if w.conn != nil {
		_ = w.conn.Close()
	}
	w.conn = conn
	w.connMu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(w.config.PongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(w.config.PongWait))
		return nil
	})

	atomic.StoreInt32(&w.reconnectAttempts, 0)

	w.logger.Info("Connected to WebSocket server")
	return nil
}

func (w *WebSocketBroker) reconnectLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.reconnectCh:
			if !w.IsRunning() {
				return
			}

			if w.getState() == BrokerStateRunning {
				w.setState(BrokerStateReconnecting)
			}

			retryCount := atomic.LoadInt32(&w.reconnectAttempts)
			if int(retryCount) >= w.config.MaxRetries {
				w.logger.Error("Max reconnection attempts reached, stopping broker")
				if w.transitionState(BrokerStateReconnecting, BrokerStateStopping) {
					w.cancel()
				}
				return
			}

			select {
			case <-time.After(w.config.ReconnectDelay):
			case <-w.ctx.Done():
				return
			}

			atomic.AddInt32(&w.reconnectAttempts, 1)

			if err := w.connect(); err != nil {
				w.logger.Error("Reconnection attempt failed",
					zap.Int32("attempt", atomic.LoadInt32(&w.reconnectAttempts)),
					zap.Error(err))
				w.safeReconnectTrigger()
				continue
			}

			w.setState(BrokerStateRunning)

			go w.readPump()
			go w.writePump()
		}
	}
}

func (w *WebSocketBroker) safeReconnectTrigger() {
	select {
	case w.reconnectCh <- struct{}{}:
	case <-w.ctx.Done():
	default:
	}
}

func (w *WebSocketBroker) readPump() {
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			if !w.IsRunning() {
				return
			}

			success := w.withConnection(func(conn *websocket.Conn) error {
				_, messageData, err := conn.ReadMessage()
				if err != nil {
					if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
						w.logger.Debug("WebSocket connection closed", zap.Error(err))
					}
					return err
				}

				var message types.EventMessage
				if err := utils.Unmarshal(messageData, &message); err != nil {
					w.logger.Error("Failed to unmarshal message", zap.Error(err))
					return nil
				}

				w.handleIncomingMessage(&message)
				return nil
			})

			if !success {
				if w.IsRunning() {
					w.safeReconnectTrigger()
				}
				return
			}
		}
	}
}

func (w *WebSocketBroker) writePump() {
	ticker := time.NewTicker(w.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case message := <-w.send:
			if !w.IsRunning() {
				w.logger.Debug("Dropping message - broker stopping",
					zap.String("event", message.Event))
				return
			}

			success := w.withConnection(func(conn *websocket.Conn) error {
				_ = conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))

				data, err := utils.Marshal(message)
				if err != nil {
					w.logger.Error("Failed to marshal outgoing message",
						zap.Error(err),
						zap.String("event", message.Event))
					return nil
				}

				return conn.WriteMessage(websocket.TextMessage, data)
			})

			if !success && w.IsRunning() {
				w.safeReconnectTrigger()
				return
			}

		case <-ticker.C:
			if !w.IsRunning() {
				return
			}

			success := w.withConnection(func(conn *websocket.Conn) error {
				_ = conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))
				return conn.WriteMessage(websocket.PingMessage, nil)
			})

			if !success && w.IsRunning() {
				w.safeReconnectTrigger()
				return
			}
		}
	}
}

func (w *WebSocketBroker) withConnection(fn func(*websocket.Conn) error) bool {
	w.connMu.RLock()
	defer w.connMu.RUnlock()

	if w.conn == nil {
		return false
	}

	if err := fn(w.conn); err != nil {
		w.logger.Error("WebSocket operation failed", zap.Error(err))
		return false
	}

	return true
}

func (w *WebSocketBroker) handleIncomingMessage(message *types.EventMessage) {
	w.subsMu.RLock()
	handlers := make([]types.EventHandler, len(w.subscriptions[message.Event]))
	copy(handlers, w.subscriptions[message.Event])
	w.subsMu.RUnlock()

	if len(handlers) == 0 {
		w.recordMetric("handle", "no_handlers", message.Event)
		return
	}

	ctx, cancel := context.WithTimeout(w.ctx, 30*time.Second)
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
		w.logger.Error("Event handler failed",
			zap.String("event", message.Event),
			zap.String("message_id", message.MessageID),
			zap.Error(err))
		w.recordMetric("handle", "error", message.Event)
		return
	}

	w.recordMetric("handle", "success", message.Event)
}

func (w *WebSocketBroker) wrapHandler(event string, handler types.EventHandler) types.EventHandler {
	return func(message *types.EventMessage) error {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("Handler panicked",
					zap.String("event", event),
					zap.Any("panic", r))
				w.recordMetric("handle", "panic", event)
			}
		}()

		return handler(message)
	}
}

func (w *WebSocketBroker) recordMetric(operation, result, event string) {
	if w.metrics == nil {
		return
	}

	w.metrics.Counter("websocket_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
		"event":     event,
	}).Inc()
}
