package bus

import (
	"context"

	"github.com/petal-labs/dotflow"
)

// EventStore persists engine events for later inspection and replay.
type EventStore interface {
	// Append stores one event.
	Append(ctx context.Context, event dotflow.Event) error

	// List returns a run's events in append order.
	List(ctx context.Context, runID string) ([]dotflow.Event, error)

	// Runs returns the distinct run IDs with stored events.
	Runs(ctx context.Context) ([]string, error)

	// Close releases resources.
	Close() error
}

// StoreHandler adapts a store into a dotflow.EventHandler. Append errors
// are reported through onErr when set and otherwise dropped: persistence
// must never stall the engine.
func StoreHandler(store EventStore, onErr func(error)) dotflow.EventHandler {
	return func(e dotflow.Event) {
		if err := store.Append(context.Background(), e); err != nil && onErr != nil {
			onErr(err)
		}
	}
}
