package pubsub

import (
	"sync"
)

// Handler is an in-process listener for events on the bus. Handlers must not
// block; they run synchronously on the publishing goroutine before wire
// fan-out is enqueued.
type Handler func(Event)

// Bus wraps the propagator with named handler registration so in-process
// listeners (metrics, archival triggers) can observe events without being
// websocket clients.
type Bus struct {
	prop *Propagator

	mu       sync.RWMutex
	handlers map[string][]Handler
}

// OnAny is the event type wildcard accepted by On.
const OnAny = "*"

func NewBus(prop *Propagator) *Bus {
	return &Bus{
		prop:     prop,
		handlers: make(map[string][]Handler),
	}
}

// On registers a handler for an event type. Use OnAny to observe everything.
func (b *Bus) On(eventType string, h Handler) {
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
	b.mu.Unlock()
}

// Publish runs matching in-process handlers and then propagates the event to
// its wire recipients. Returns the wire recipient count.
func (b *Bus) Publish(ev Event) (int, error) {
	b.runHandlers(ev)
	return b.prop.Propagate(ev)
}

// PublishTo runs matching in-process handlers and then fans the event out to
// an explicit recipient list, used for subscription-matched change events.
func (b *Bus) PublishTo(connectionIDs []string, ev Event) (int, error) {
	b.runHandlers(ev)
	return b.prop.PropagateToConnections(connectionIDs, ev)
}

func (b *Bus) runHandlers(ev Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[ev.Type]...)
	handlers = append(handlers, b.handlers[OnAny]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
