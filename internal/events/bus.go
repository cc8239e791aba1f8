package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives published events. Handlers run on the publisher's
// dispatch goroutine and must not block.
type Handler func(Event)

// Bus is an in-process publish/subscribe hub. Subscriptions are keyed by
// event type; a subscription on every type uses SubscribeAll.
type Bus struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
	closed   bool
}

// NewBus creates an event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger:   logger,
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish dispatches the event to matching handlers. Dispatch happens on a
// single goroutine per publish so a slow handler cannot stall the caller.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	matched := make([]Handler, 0, len(b.handlers[e.Type])+len(b.all))
	matched = append(matched, b.handlers[e.Type]...)
	matched = append(matched, b.all...)
	b.mu.RUnlock()

	if len(matched) == 0 {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error().Interface("panic", r).Str("event", string(e.Type)).Msg("event handler panicked")
			}
		}()
		for _, h := range matched {
			h(e)
		}
	}()
}

// Close stops further dispatch. In-flight handler goroutines drain on
// their own.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
