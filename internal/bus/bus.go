// Package bus provides the in-process event bus the engine publishes progress
// on. Delivery is synchronous in the publisher's goroutine and totally
// ordered: an event published after another is observed after it by every
// subscriber. Subscribers that need their own goroutine own that concern.
package bus

import (
	"sort"
	"sync"

	"github.com/ralphtui/ralph/internal/logger"
)

// Handler receives published events. Handlers must be non-blocking; a panic
// inside a handler is swallowed so one observer cannot crash the engine or
// starve other observers.
type Handler func(Event)

// Bus fans out events to subscribers.
type Bus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

// Subscribe registers a handler and returns its unsubscribe function.
// Unsubscribing is idempotent.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish delivers ev to every subscriber in registration order.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	// map iteration order is random; deliver in subscription order
	sort.Ints(ids)
	handlers := make([]Handler, len(ids))
	for i, id := range ids {
		handlers[i] = b.handlers[id]
	}
	b.mu.Unlock()

	for _, h := range handlers {
		deliver(h, ev)
	}
}

func deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Event observer panicked on %s: %v", ev.Type(), r)
		}
	}()
	h(ev)
}
