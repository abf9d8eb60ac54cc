package bus

import (
	"sync"

	"github.com/petal-labs/dotflow"
)

// subscriberBuffer is each subscription's channel depth. Slow consumers
// drop events rather than block the engine.
const subscriberBuffer = 256

// MemBus is an in-memory EventBus.
type MemBus struct {
	mu     sync.RWMutex
	subs   map[int]*memSubscription
	nextID int
	closed bool
}

// NewMemBus creates an in-memory event bus.
func NewMemBus() *MemBus {
	return &MemBus{subs: make(map[int]*memSubscription)}
}

type memSubscription struct {
	bus   *MemBus
	id    int
	runID string // empty = all runs
	ch    chan dotflow.Event
	once  sync.Once
}

// Events implements Subscription.
func (s *memSubscription) Events() <-chan dotflow.Event { return s.ch }

// Close implements Subscription.
func (s *memSubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}

// Publish implements EventBus. Events are dropped for subscribers whose
// buffer is full.
func (b *MemBus) Publish(event dotflow.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.runID != "" && sub.runID != event.RunID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Subscribe implements EventBus.
func (b *MemBus) Subscribe(runID string) Subscription {
	return b.subscribe(runID)
}

// SubscribeAll implements EventBus.
func (b *MemBus) SubscribeAll() Subscription {
	return b.subscribe("")
}

func (b *MemBus) subscribe(runID string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &memSubscription{
		bus:   b,
		id:    b.nextID,
		runID: runID,
		ch:    make(chan dotflow.Event, subscriberBuffer),
	}
	b.subs[b.nextID] = sub
	b.nextID++
	return sub
}

// Close implements EventBus.
func (b *MemBus) Close() error {
	b.mu.Lock()
	subs := make([]*memSubscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

var _ EventBus = (*MemBus)(nil)
