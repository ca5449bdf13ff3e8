package events

import (
	"github.com/sessionforge/orchestrator/pkg/logger"
)

// MultiEventStorage stores events in multiple backends simultaneously
type MultiEventStorage struct {
	storages []EventStorage
}

// NewMultiEventStorage creates a storage that writes to multiple backends
func NewMultiEventStorage(storages ...EventStorage) *MultiEventStorage {
	return &MultiEventStorage{storages: storages}
}

// Store saves an event to all configured storage backends. A failing
// backend does not stop the others; the last error is returned.
func (s *MultiEventStorage) Store(event Event) error {
	var lastError error
	for _, storage := range s.storages {
		if err := storage.Store(event); err != nil {
			logger.Error("Failed to store event in backend", err, map[string]interface{}{
				"event_id":   event.ID,
				"event_type": event.Type,
			})
			lastError = err
		}
	}
	return lastError
}

// Query retrieves events from the first storage backend that succeeds
func (s *MultiEventStorage) Query(filters EventFilters) ([]Event, error) {
	if len(s.storages) == 0 {
		return nil, nil
	}

	for i, storage := range s.storages {
		events, err := storage.Query(filters)
		if err == nil {
			return events, nil
		}
		logger.Warn("Failed to query events from storage backend", map[string]interface{}{
			"backend_index": i,
			"error":         err.Error(),
		})
	}

	return s.storages[0].Query(filters)
}
