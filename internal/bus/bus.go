package bus

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler is a callback invoked synchronously for matching events.
type Handler func(Event)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Channel subscribers never block a publisher; callback handlers run on the
// publisher's goroutine, each isolated from the others' panics.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int]*subscription
	handlers map[int]*handler
	next     int
	logger   *zap.Logger
}

type subscription struct {
	namespace string
	ch        chan Event
}

type handler struct {
	namespace string
	fn        Handler
}

// New creates a new event bus. A nil logger discards panic reports.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:     make(map[int]*subscription),
		handlers: make(map[int]*handler),
		logger:   logger,
	}
}

// Emit publishes an event of the given kind stamped with the current time.
func (b *Bus) Emit(kind string, payload any) {
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Publish delivers an event to every subscriber and handler whose namespace
// is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
			}
		}
	}
	var fns []Handler
	for _, h := range b.handlers {
		if strings.HasPrefix(evt.Kind, h.namespace) {
			fns = append(fns, h.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		b.invoke(fn, evt)
	}
}

func (b *Bus) invoke(fn Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", zap.String("kind", evt.Kind), zap.Any("panic", r))
		}
	}()
	fn(evt)
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Handle registers fn for events matching the namespace prefix and returns
// a function that removes it.
func (b *Bus) Handle(namespace string, fn Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = &handler{namespace: namespace, fn: fn}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Clear drops every subscription and handler. Subscription channels are
// left open so readers blocked on them are not woken with zero events.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.subs = make(map[int]*subscription)
	b.handlers = make(map[int]*handler)
	b.mu.Unlock()
}
