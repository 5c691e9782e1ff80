package types

import (
	"time"
)

const (
	EventModeChanged     = "mode.changed"
	EventModeProbeFailed = "mode.probe_failed"
	EventCacheInvalidate = "cache.invalidated"
	EventWarmupCompleted = "cache.warmup_completed"
)

type EventBroker interface {
	LifecycleManager
	Publish(event string, payload interface{}) error
	Subscribe(event string, handler EventHandler) error
	Unsubscribe(event string) error
}

type EventHandler func(message *EventMessage) error

type EventBrokerCreator func(config interface{}) (EventBroker, error)

type EventMessage struct {
	Event     string            `json:"event"`
	Payload   interface{}       `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Metadata  map[string]string `json:"metadata"`
	MessageID string            `json:"message_id"`
}
