package event

import (
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Handler is a function that handles an event.
type Handler func(Event)

// subscription represents a registered event handler.
type subscription struct {
	id      string
	kind    Kind // zero means every kind
	handler Handler
}

// Bus is a synchronous observer list.
// Publish never holds the bus lock while calling handlers, so a handler
// may subscribe, unsubscribe or trigger further publishes.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[Kind][]subscription
	nextID        atomic.Uint64
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscriptions: make(map[Kind][]subscription),
	}
}

// Subscribe registers a handler for one kind and returns its subscription ID.
func (b *Bus) Subscribe(kind Kind, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := fmt.Sprintf("sub-%d", b.nextID.Add(1))
	b.subscriptions[kind] = append(b.subscriptions[kind], subscription{
		id:      id,
		kind:    kind,
		handler: handler,
	})
	return id
}

// SubscribeAll registers a handler for every kind.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(0, handler)
}

// Unsubscribe removes a subscription by ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for kind, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id == id {
				next := make([]subscription, 0, len(subs)-1)
				next = append(next, subs[:i]...)
				next = append(next, subs[i+1:]...)
				b.subscriptions[kind] = next
				return true
			}
		}
	}
	return false
}

// Channel delivers events of the given kinds (all kinds if none) on a
// buffered channel. Events are dropped when the buffer is full; a slow
// consumer never stalls the publisher. The returned cancel func
// unsubscribes and closes the channel.
func (b *Bus) Channel(buffer int, kinds ...Kind) (<-chan Event, func()) {
	sink := &channelSink{ch: make(chan Event, buffer)}

	var ids []string
	if len(kinds) == 0 {
		ids = append(ids, b.SubscribeAll(sink.deliver))
	} else {
		for _, kind := range kinds {
			ids = append(ids, b.Subscribe(kind, sink.deliver))
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			for _, id := range ids {
				b.Unsubscribe(id)
			}
			sink.close()
		})
	}
	return sink.ch, cancel
}

// Publish dispatches an event to the handlers registered for its kind,
// then to the handlers registered for every kind. If a handler panics the
// panic is logged and delivery continues.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	specific := b.subscriptions[e.Kind()]
	wildcard := b.subscriptions[0]
	b.mu.RUnlock()

	// slices are replaced, never mutated in place, so these are stable
	for _, sub := range specific {
		b.safeCall(sub.handler, e)
	}
	for _, sub := range wildcard {
		b.safeCall(sub.handler, e)
	}
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}

func (b *Bus) safeCall(handler Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: event handler panicked for event %s: %v\n%s",
				e.Kind(), r, debug.Stack())
		}
	}()
	handler(e)
}

type channelSink struct {
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped uint64
}

func (s *channelSink) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped++
	}
}

func (s *channelSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	close(s.ch)
}
