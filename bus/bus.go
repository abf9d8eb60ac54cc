// Package bus distributes engine events to subscribers, decoupling the
// execution loop from observers such as loggers, UIs, and stores.
package bus

import "github.com/petal-labs/dotflow"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event dotflow.Event)

	// Subscribe registers a subscriber for a specific run.
	// Returns a Subscription that must be closed when done.
	Subscribe(runID string) Subscription

	// SubscribeAll registers a subscriber that receives events from all
	// runs. Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan dotflow.Event

	// Close unsubscribes and releases resources.
	Close() error
}

// Handler adapts a bus into a dotflow.EventHandler so the engine can
// publish directly.
func Handler(b EventBus) dotflow.EventHandler {
	return func(e dotflow.Event) {
		b.Publish(e)
	}
}
