package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryStorage collects stored events for assertions
type memoryStorage struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memoryStorage) Store(event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *memoryStorage) Query(filters EventFilters) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if filters.SessionID != "" && ev.SessionID != filters.SessionID {
			continue
		}
		if filters.UserID != "" && ev.UserID != filters.UserID {
			continue
		}
		if len(filters.Types) > 0 {
			match := false
			for _, typ := range filters.Types {
				if ev.Type == typ {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *memoryStorage) stored() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func TestPublishFillsIDAndTimestamp(t *testing.T) {
	storage := &memoryStorage{}
	bus := NewEventBus(storage)

	bus.Publish(Event{
		Type:      EventSessionCreated,
		Source:    "session_service",
		SessionID: "s1",
	})

	stored := storage.stored()
	require.Len(t, stored, 1)
	assert.NotEmpty(t, stored[0].ID)
	assert.False(t, stored[0].Timestamp.IsZero())
	assert.Equal(t, "s1", stored[0].SessionID)
}

func TestPublishNotifiesSubscribers(t *testing.T) {
	bus := NewEventBus(nil)

	received := make(chan Event, 1)
	bus.Subscribe(EventMonitorKill, func(event Event) {
		received <- event
	})

	bus.Publish(Event{Type: EventMonitorKill, SessionID: "s1", UserID: "u1"})

	select {
	case ev := <-received:
		assert.Equal(t, "s1", ev.SessionID)
		assert.Equal(t, "u1", ev.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not notified")
	}
}

func TestPublishSkipsOtherEventTypes(t *testing.T) {
	bus := NewEventBus(nil)

	received := make(chan Event, 1)
	bus.Subscribe(EventBillingStopped, func(event Event) {
		received <- event
	})

	bus.Publish(Event{Type: EventBillingStarted})

	select {
	case <-received:
		t.Fatal("handler fired for an unsubscribed event type")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSurvivesPanickingHandler(t *testing.T) {
	bus := NewEventBus(nil)

	done := make(chan struct{})
	bus.Subscribe(EventSessionDeleted, func(event Event) {
		panic("handler bug")
	})
	bus.Subscribe(EventSessionDeleted, func(event Event) {
		close(done)
	})

	bus.Publish(Event{Type: EventSessionDeleted})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler was starved by the panicking one")
	}
}

func TestPublishSurvivesStorageError(t *testing.T) {
	storage := &memoryStorage{err: errors.New("disk full")}
	bus := NewEventBus(storage)

	// storage failure must not panic or block publishing
	bus.Publish(Event{Type: EventCreditsDeducted})
}

func TestQueryFilters(t *testing.T) {
	storage := &memoryStorage{}
	bus := NewEventBus(storage)

	bus.Publish(Event{Type: EventSessionCreated, SessionID: "s1", UserID: "u1"})
	bus.Publish(Event{Type: EventSessionDeleted, SessionID: "s1", UserID: "u1"})
	bus.Publish(Event{Type: EventSessionCreated, SessionID: "s2", UserID: "u2"})

	bySession, err := bus.Query(EventFilters{SessionID: "s1"})
	require.NoError(t, err)
	assert.Len(t, bySession, 2)

	byType, err := bus.Query(EventFilters{Types: []EventType{EventSessionCreated}})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	byUser, err := bus.Query(EventFilters{UserID: "u2"})
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, "s2", byUser[0].SessionID)
}

func TestQueryWithoutStorage(t *testing.T) {
	bus := NewEventBus(nil)

	out, err := bus.Query(EventFilters{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestPublishersEmitExpectedShape(t *testing.T) {
	storage := &memoryStorage{}
	SetEventStorage(storage)
	defer SetEventStorage(nil)

	PublishBillingStopped("s1", "u1", 1.5, 0.075)

	stored := storage.stored()
	require.Len(t, stored, 1)
	ev := stored[0]
	assert.Equal(t, EventBillingStopped, ev.Type)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, 1.5, ev.Data["total_hours"])
	assert.Equal(t, 0.075, ev.Data["total_cost"])
}
