package eventbus

import (
	"fmt"
	"sync"
)

// Handler receives an event published under the name it subscribed to.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous publish/subscribe bus. It is safe for concurrent use;
// handlers may subscribe, unsubscribe or publish from inside a handler.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Name][]subscription
	nextID uint64
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[Name][]subscription)}
}

// Subscribe registers h for events named name and returns a function that
// removes the subscription. The returned function is idempotent.
func (b *Bus) Subscribe(name Name, h Handler) (unsubscribe func()) {
	if h == nil {
		panic("eventbus: nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, handler: h})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(name, id) })
	}
}

func (b *Bus) remove(name Name, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[name]
	for i, s := range subs {
		if s.id == id {
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, name)
			} else {
				b.subs[name] = next
			}
			return
		}
	}
}

// Publish delivers e to every handler currently subscribed to e's name, in
// subscription order, on the calling goroutine.
func (b *Bus) Publish(e Event) {
	if e == nil {
		return
	}

	b.mu.RLock()
	subs := b.subs[e.EventName()]
	b.mu.RUnlock()

	// subs is never mutated in place, so iterating the snapshot is safe
	// even if a handler unsubscribes.
	for _, s := range subs {
		s.handler(e)
	}
}

// SubscriberCount returns the number of handlers for name.
func (b *Bus) SubscriberCount(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// Close drops every subscription. Publishing after Close is a no-op and
// Subscribe returns an inert unsubscribe function.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[Name][]subscription)
	b.closed = true
	return nil
}

// On subscribes a handler typed to one event type. The event name is taken
// from E's zero value.
func On[E Event](b *Bus, h func(E)) (unsubscribe func()) {
	var zero E
	return b.Subscribe(zero.EventName(), func(e Event) {
		typed, ok := e.(E)
		if !ok {
			panic(fmt.Sprintf("eventbus: %s published with payload %T", e.EventName(), e))
		}
		h(typed)
	})
}
