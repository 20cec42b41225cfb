// Package events provides a same-process, named-event subscription bus for
// lifecycle observability of the resilient request pipeline. It is the
// pipeline's only observability surface — there is deliberately no built-in
// metrics backend; consumers subscribe and translate events into whatever
// their environment needs (see internal/promexport for an example).
package events

import "sync"

// Handler receives a named event's payload. The concrete type of payload
// depends on the event name; see the Event* payload types in payload.go.
type Handler func(payload any)

// Bus dispatches named events synchronously, in subscriber registration
// order. Subscriptions are additive; there is no unsubscribe, matching the
// lifetime of a Client.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers h to be invoked, synchronously, whenever name is
// emitted. Handlers for a given name run in the order they were
// subscribed.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Emit invokes every handler subscribed to name, in registration order,
// synchronously on the calling goroutine. A panicking handler is not
// recovered — it is the caller's responsibility to keep handlers well
// behaved, the same discipline the teacher's middleware chain expects of
// each link.
func (b *Bus) Emit(name string, payload any) {
	b.mu.RLock()
	// Copy the slice header under the lock, then release before invoking
	// handlers so a handler that subscribes or emits doesn't deadlock.
	hs := b.handlers[name]
	handlers := make([]Handler, len(hs))
	copy(handlers, hs)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}
