package events

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Vincy69/mcp-drupal-server-sub002/types"
	"github.com/Vincy69/mcp-drupal-server-sub002/utils"
)

type WebhookState int32

const (
	WebhookStateStopped WebhookState = iota
	WebhookStateStarting
	WebhookStateRunning
	WebhookStateStopping
)

const defaultWebhookDB = "./webhooks.db"

// WebhookManager delivers events to externally registered HTTP endpoints.
// Subscriptions are persisted in SQLite so they survive restarts; payloads
// are signed with a per-webhook HMAC-SHA256 secret.
type WebhookManager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	db              *sql.DB
	client          *http.Client
	state           atomic.Value
	shutdownTimeout time.Duration
	deliveryTimeout time.Duration
	maxRetries      int
}

type Webhook struct {
	ID        string            `json:"id"`
	Event     string            `json:"event"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Secret    string            `json:"secret"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"created_at"`
}

func NewWebhookManager(ctx context.Context, logger types.Logger, metrics types.MetricsManager, config *types.WebhookConfig) (*WebhookManager, error) {
	databasePath := defaultWebhookDB
	deliveryTimeout := 30 * time.Second
	maxRetries := 2

	if config != nil {
		if config.DatabasePath != "" {
			databasePath = config.DatabasePath
		}
		if config.DeliveryTimeout > 0 {
			deliveryTimeout = config.DeliveryTimeout
		}
		if config.MaxRetries > 0 {
			maxRetries = config.MaxRetries
		}
	}

	webhookCtx, cancel := context.WithCancel(ctx)

	db, err := sql.Open("sqlite3", databasePath)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to open SQLite database")
	}

	wm := &WebhookManager{
		ctx:     webhookCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		db:      db,
		client: &http.Client{
			Timeout: deliveryTimeout,
		},
		shutdownTimeout: 10 * time.Second,
		deliveryTimeout: deliveryTimeout,
		maxRetries:      maxRetries,
	}

	wm.state.Store(WebhookStateStopped)

	if err := wm.initDatabase(); err != nil {
		cancel()
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("Failed to close database during cleanup", zap.Error(closeErr))
		}
		return nil, types.WrapError(err, "failed to initialize database")
	}

	return wm, nil
}

func (wm *WebhookManager) initDatabase() error {
	query := `
	CREATE TABLE IF NOT EXISTS webhooks (
		id TEXT PRIMARY KEY,
		event TEXT NOT NULL,
		url TEXT NOT NULL,
		headers TEXT,
		secret TEXT,
		enabled BOOLEAN DEFAULT true,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_webhooks_event ON webhooks(event);
	CREATE INDEX IF NOT EXISTS idx_webhooks_enabled ON webhooks(enabled);
	`

	if _, err := wm.db.Exec(query); err != nil {
		return types.WrapError(err, "failed to create webhooks table")
	}

	return nil
}

// Register persists a new webhook subscription and returns it with the
// generated ID and signing secret.
func (wm *WebhookManager) Register(event, url string, headers map[string]string) (*Webhook, error) {
	if event == "" || url == "" {
		return nil, types.ErrWebhookConfigInvalid
	}

	webhook := &Webhook{
		ID:        fmt.Sprintf("wh_%s", uuid.New().String()),
		Event:     event,
		URL:       url,
		Headers:   headers,
		Secret:    wm.generateSecret(),
		Enabled:   true,
		CreatedAt: time.Now(),
	}

	headersJSON, err := utils.Marshal(webhook.Headers)
	if err != nil {
		return nil, types.WrapError(err, "failed to encode webhook headers")
	}

	_, err = wm.db.Exec(
		`INSERT INTO webhooks (id, event, url, headers, secret, enabled, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		webhook.ID, webhook.Event, webhook.URL, string(headersJSON), webhook.Secret, webhook.Enabled, webhook.CreatedAt,
	)
	if err != nil {
		return nil, types.WrapError(err, "failed to insert webhook")
	}

	wm.logger.Info("Webhook registered",
		zap.String("webhook_id", webhook.ID),
		zap.String("event", event))

	return webhook, nil
}

func (wm *WebhookManager) Remove(id string) error {
	result, err := wm.db.Exec(`DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return types.WrapError(err, "failed to delete webhook")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return types.WrapError(err, "failed to check deletion result")
	}
	if affected == 0 {
		return types.ErrWebhookNotFound
	}

	wm.logger.Info("Webhook removed", zap.String("webhook_id", id))
	return nil
}

func (wm *WebhookManager) List() ([]*Webhook, error) {
	return wm.queryWebhooks(`SELECT id, event, url, headers, secret, enabled, created_at FROM webhooks`)
}

// NotifyWebhooks fans the event out to every enabled subscription in
// parallel. Partial failure is logged, not surfaced.
func (wm *WebhookManager) NotifyWebhooks(event string, payload interface{}) error {
	if !wm.IsRunning() {
		return types.ErrEventsNotInitialized
	}

	webhooks, err := wm.queryWebhooks(
		`SELECT id, event, url, headers, secret, enabled, created_at FROM webhooks WHERE event = ? AND enabled = true`,
		event,
	)
	if err != nil {
		return types.WrapError(err, "failed to get webhooks")
	}

	if len(webhooks) == 0 {
		return nil
	}

	notifyCtx, cancel := context.WithTimeout(wm.ctx, wm.deliveryTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(notifyCtx)

	var successCount int32

	for _, webhook := range webhooks {
		wh := webhook
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}

			if err := wm.deliverWithRetries(gCtx, wh, event, payload); err != nil {
				wm.logger.Error("Webhook delivery failed",
					zap.String("webhook_id", wh.ID),
					zap.String("event", event),
					zap.String("url", wh.URL),
					zap.Error(err))
				return err
			}

			atomic.AddInt32(&successCount, 1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if atomic.LoadInt32(&successCount) == 0 {
			wm.recordMetric("notify", "error", event)
			return types.WrapError(err, "all webhook deliveries failed")
		}
		wm.recordMetric("notify", "partial_success", event)
		return nil
	}

	wm.recordMetric("notify", "success", event)
	return nil
}

func (wm *WebhookManager) deliverWithRetries(ctx context.Context, webhook *Webhook, event string, payload interface{}) error {
	var lastErr error

	for attempt := 0; attempt <= wm.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if lastErr = wm.deliverWebhook(ctx, webhook, event, payload); lastErr == nil {
			return nil
		}
	}

	return lastErr
}

func (wm *WebhookManager) deliverWebhook(ctx context.Context, webhook *Webhook, event string, payload interface{}) error {
	webhookPayload := map[string]interface{}{
		"event":     event,
		"timestamp": time.Now().Unix(),
		"data":      payload,
	}

	jsonData, err := utils.Marshal(webhookPayload)
	if err != nil {
		return types.WrapError(err, "failed to marshal webhook payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, strings.NewReader(string(jsonData)))
	if err != nil {
		return types.WrapError(err, "failed to create HTTP request")
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Drupal-MCP-Webhook/1.0")

	for key, value := range webhook.Headers {
		req.Header.Set(key, value)
	}

	if webhook.Secret != "" {
		signature := wm.generateHMACSignature(webhook.Secret, jsonData)
		req.Header.Set("X-Signature", fmt.Sprintf("sha256=%s", signature))
	}

	resp, err := wm.client.Do(req)
	if err != nil {
		return types.WrapError(err, "HTTP request failed")
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			wm.logger.Error("Failed to close response body", zap.Error(err))
		}
	}(resp.Body)

	if resp.StatusCode >= 400 {
		return types.NewErrorf("webhook returned error status: %d %s", resp.StatusCode, resp.Status)
	}

	return nil
}

func (wm *WebhookManager) generateHMACSignature(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (wm *WebhookManager) generateSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		wm.logger.Error("Failed to generate random bytes for secret", zap.Error(err))
	}
	return hex.EncodeToString(bytes)
}

func (wm *WebhookManager) queryWebhooks(query string, args ...interface{}) ([]*Webhook, error) {
	rows, err := wm.db.Query(query, args...)
	if err != nil {
		return nil, types.WrapError(err, "failed to query webhooks")
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			wm.logger.Error("Failed to close database rows", zap.Error(err))
		}
	}(rows)

	var webhooks []*Webhook
	for rows.Next() {
		webhook := &Webhook{}
		var headersJSON string

		err := rows.Scan(&webhook.ID, &webhook.Event, &webhook.URL,
			&headersJSON, &webhook.Secret, &webhook.Enabled, &webhook.CreatedAt)
		if err != nil {
			return nil, types.WrapError(err, "failed to scan webhook")
		}

		if headersJSON != "" {
			if err := utils.Unmarshal([]byte(headersJSON), &webhook.Headers); err != nil {
				wm.logger.Warn("Failed to parse webhook headers",
					zap.String("webhook_id", webhook.ID),
					zap.Error(err))
				webhook.Headers = make(map[string]string)
			}
		} else {
			webhook.Headers = make(map[string]string)
		}

		webhooks = append(webhooks, webhook)
	}

	if err := rows.Err(); err != nil {
		return nil, types.WrapError(err, "failed to iterate webhooks")
	}

	return webhooks, nil
}

func (wm *WebhookManager) Start() error {
	if !wm.transitionState(WebhookStateStopped, WebhookStateStarting) {
		return types.ErrManagerAlreadyRunning
	}

	defer func() {
		if wm.getState() == WebhookStateStarting {
			wm.setState(WebhookStateRunning)
		}
	}()

	wm.logger.Info("Webhook manager started")
	return nil
}

func (wm *WebhookManager) Stop() error {
	if !wm.transitionState(WebhookStateRunning, WebhookStateStopping) {
		return types.ErrManagerNotRunning
	}

	defer func() {
		wm.setState(WebhookStateStopped)
		wm.cancel()
	}()

	if wm.db != nil {
		if err := wm.db.Close(); err != nil {
			wm.logger.Error("Failed to close database", zap.Error(err))
			return err
		}
	}

	wm.logger.Info("Webhook manager stopped gracefully")
	return nil
}

func (wm *WebhookManager) IsRunning() bool {
	return wm.getState() == WebhookStateRunning
}

func (wm *WebhookManager) getState() WebhookState {
	return wm.state.Load().(WebhookState)
}

func (wm *WebhookManager) setState(newState WebhookState) bool {
	currentState := wm.getState()
	return wm.state.CompareAndSwap(currentState, newState)
}

func (wm *WebhookManager) transitionState(from, to WebhookState) bool {
	return wm.state.CompareAndSwap(from, to)
}

func (wm *WebhookManager) recordMetric(operation, result, event string) {
	if wm.metrics == nil {
		return
	}

	wm.metrics.Counter("webhook_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
		"event":     event,
	}).Inc()
}
