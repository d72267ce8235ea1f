// Package events is the in-process pub/sub layer that decouples snapshot
// ingestion from ownership reconstruction and other consumers.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventSnapshotsIngested = "snapshots_ingested"
	EventTaskCompleted     = "task_completed"
	EventTaskFailed        = "task_failed"
)

// SnapshotsIngestedPayload announces new snapshot rows for a product, so the
// reconstruction engine can rebuild its ownership history.
type SnapshotsIngestedPayload struct {
	TenantID  string `json:"tenant_id"`
	ProductID string `json:"product_id"`
	Count     int    `json:"count"`
}

// TaskEventPayload describes a task lifecycle transition for consumers.
type TaskEventPayload struct {
	TaskID       int64  `json:"task_id"`
	TaskType     string `json:"task_type"`
	TenantID     string `json:"tenant_id"`
	Status       string `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	Error        string `json:"error,omitempty"`
}

// Event is one published occurrence with its serialized payload.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event. A handler error does not stop delivery to
// the remaining handlers.
type EventHandler func(event *Event) error

// EventBus fans events out to subscribers, synchronously and in subscription
// order. Callers that need concurrency wrap their handlers themselves.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for one event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.mu.Unlock()
}

// Publish delivers the event to every handler of its type.
func (b *EventBus) Publish(event *Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.handlers[event.Type]...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes it. A nil bus is a no-op
// so optional wiring does not need guards at every call site.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
