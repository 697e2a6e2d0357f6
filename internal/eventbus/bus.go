// Package eventbus provides the keyed fan-out primitive used by channels:
// every published event reaches every current subscriber, which decides for
// itself whether the event concerns it.
package eventbus

import "sync"

// Bus delivers each published value to every registered subscriber exactly
// once, synchronously, in no particular order.
type Bus[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]func(T)
}

// New creates an empty Bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subscribers: make(map[string]func(T))}
}

// Subscribe registers fn under id, replacing any previous callback for id.
func (b *Bus[T]) Subscribe(id string, fn func(T)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = fn
}

// Unsubscribe removes id. Unknown ids are ignored.
func (b *Bus[T]) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Publish invokes every subscriber with event. Callbacks run outside the
// bus lock so they may subscribe or unsubscribe.
func (b *Bus[T]) Publish(event T) {
	for _, fn := range b.snapshot() {
		fn(event)
	}
}

// Len returns the number of subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Bus[T]) snapshot() []func(T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	callbacks := make([]func(T), 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		callbacks = append(callbacks, fn)
	}
	return callbacks
}
