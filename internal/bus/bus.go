// Package bus carries gateway events to live subscribers (SSE clients,
// the webchat socket, tests). Delivery is best-effort: a slow
// subscriber drops events rather than stalling the publisher.
package bus

import (
	"sync"

	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

// Event is one broadcast gateway event.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// EventHandler receives broadcast events. Handlers must not block; the
// bus calls them inline from the publishing goroutine.
type EventHandler func(Event)

// Publisher abstracts event broadcast and subscription so components
// can emit events without knowing who listens.
type Publisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// EventBus is the in-process Publisher used by the gateway.
type EventBus struct {
	mu   sync.RWMutex
	subs map[string]EventHandler
}

// New returns an empty EventBus.
func New() *EventBus {
	return &EventBus{subs: make(map[string]EventHandler)}
}

// Subscribe registers handler under id, replacing any prior handler
// with the same id.
func (b *EventBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	b.subs[id] = handler
	b.mu.Unlock()
}

// Unsubscribe removes the handler registered under id.
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Broadcast delivers event to every subscriber.
func (b *EventBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// Emit is shorthand for broadcasting a named protocol event.
func (b *EventBus) Emit(name string, payload any) {
	b.Broadcast(Event{Name: name, Payload: payload})
}

// Nop is a Publisher that discards everything; handy for tests and for
// components constructed before the gateway wires the real bus.
type Nop struct{}

func (Nop) Subscribe(string, EventHandler) {}
func (Nop) Unsubscribe(string)             {}
func (Nop) Broadcast(Event)                {}

var _ Publisher = (*EventBus)(nil)
var _ Publisher = Nop{}

// Shutdown event helper used by the gateway's stop path.
func ShutdownEvent(reason string) Event {
	return Event{Name: protocol.EventShutdown, Payload: map[string]string{"reason": reason}}
}
