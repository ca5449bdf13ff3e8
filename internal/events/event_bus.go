package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessionforge/orchestrator/pkg/logger"
)

// EventType represents the type of event
type EventType string

const (
	// Session lifecycle events
	EventSessionCreated EventType = "session.created"
	EventSessionDeleted EventType = "session.deleted"
	EventSessionFailed  EventType = "session.failed"

	// Billing events
	EventBillingStarted EventType = "billing.started"
	EventBillingStopped EventType = "billing.stopped"

	// Credit events
	EventCreditsPurchased EventType = "credits.purchased"
	EventCreditsDeducted  EventType = "credits.deducted"
	EventCreditsExhausted EventType = "credits.exhausted"

	// Monitor events
	EventMonitorKill    EventType = "monitor.kill"
	EventMonitorWarning EventType = "monitor.warning"

	// Storage events
	EventStorageCreated EventType = "storage.created"
)

// Event represents a system event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"` // e.g., "session_service", "monitor_service"
	SessionID string                 `json:"session_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// EventHandler is a function that handles events
type EventHandler func(event Event)

// EventBus manages event publishing and subscription
type EventBus struct {
	subscribers map[EventType][]EventHandler
	mu          sync.RWMutex
	storage     EventStorage
}

// EventStorage defines the interface for storing events
type EventStorage interface {
	Store(event Event) error
	Query(filters EventFilters) ([]Event, error)
}

// EventFilters for querying events
type EventFilters struct {
	Types     []EventType
	SessionID string
	UserID    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

var (
	globalBus     *EventBus
	globalBusOnce sync.Once
)

// GetEventBus returns the global event bus instance (singleton)
func GetEventBus() *EventBus {
	globalBusOnce.Do(func() {
		globalBus = NewEventBus(nil)
	})
	return globalBus
}

// SetEventStorage sets the event storage backend
func SetEventStorage(storage EventStorage) {
	bus := GetEventBus()
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.storage = storage
}

// NewEventBus creates a new event bus
func NewEventBus(storage EventStorage) *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]EventHandler),
		storage:     storage,
	}
}

// Subscribe registers a handler for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], handler)
	logger.Debug("Event handler subscribed", map[string]interface{}{
		"event_type": eventType,
	})
}

// Publish publishes an event to all subscribers. Handlers run in their own
// goroutines so a slow subscriber cannot block the publisher.
func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	eb.mu.RLock()
	storage := eb.storage
	handlers := eb.subscribers[event.Type]
	eb.mu.RUnlock()

	if storage != nil {
		if err := storage.Store(event); err != nil {
			logger.Error("Failed to store event", err, map[string]interface{}{
				"event_id":   event.ID,
				"event_type": event.Type,
			})
		}
	}

	for _, handler := range handlers {
		go func(h EventHandler) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Event handler panicked", nil, map[string]interface{}{
						"event_type": event.Type,
						"panic":      r,
					})
				}
			}()
			h(event)
		}(handler)
	}

	logger.Debug("Event published", map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.Type,
		"source":     event.Source,
	})
}

// Query retrieves events based on filters
func (eb *EventBus) Query(filters EventFilters) ([]Event, error) {
	eb.mu.RLock()
	storage := eb.storage
	eb.mu.RUnlock()
	if storage == nil {
		return nil, nil
	}
	return storage.Query(filters)
}
