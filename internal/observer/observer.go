// Package observer publishes sync lifecycle/progress notifications to
// outside listeners. It is a minimal in-process pub/sub: no transport,
// no persistence — the UI layer is the actual subscriber in the real
// app.
package observer

import "sync"

// Kind enumerates the observable event names.
type Kind string

const (
	Started   Kind = "sync:started"
	Progress  Kind = "sync:progress"
	Completed Kind = "sync:completed"
	Error     Kind = "sync:error"
	Rejected  Kind = "sync:rejected"
)

// Snapshot is the session snapshot carried on every event.
type Snapshot struct {
	SessionID       string
	Phase           string
	RecordsSent     int
	RecordsReceived int
}

// Event is one published notification.
type Event struct {
	Kind     Kind
	Snapshot Snapshot
	Message  string // populated for Error/Rejected, and for Progress conflict notes
}

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine (the protocol driver's single driver thread) —
// they must not block.
type Handler func(Event)

// Bus is a single-session-at-a-time subscriber list. The protocol
// driver owns one Bus per engine instance and calls Publish from its
// driver loop; external code calls Subscribe to observe lifecycle
// events.
type Bus struct {
	mu       sync.Mutex
	handlers []Handler
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a handler invoked for every subsequent Publish
// call. Returns an unsubscribe function.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
	idx := len(b.handlers) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.handlers) {
			b.handlers[idx] = nil
		}
	}
}

// Publish delivers ev to every live subscriber, in subscription order.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			h(ev)
		}
	}
}
