package bus

import (
	"context"
	"sync"

	"github.com/petal-labs/dotflow"
)

// MemEventStore keeps events in memory, grouped by run.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]dotflow.Event
	order  []string
}

// NewMemEventStore creates an in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{events: make(map[string][]dotflow.Event)}
}

// Append implements EventStore.
func (s *MemEventStore) Append(_ context.Context, event dotflow.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[event.RunID]; !ok {
		s.order = append(s.order, event.RunID)
	}
	s.events[event.RunID] = append(s.events[event.RunID], event)
	return nil
}

// List implements EventStore.
func (s *MemEventStore) List(_ context.Context, runID string) ([]dotflow.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]dotflow.Event{}, s.events[runID]...), nil
}

// Runs implements EventStore.
func (s *MemEventStore) Runs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{}, s.order...), nil
}

// Close implements EventStore.
func (s *MemEventStore) Close() error { return nil }

var _ EventStore = (*MemEventStore)(nil)
