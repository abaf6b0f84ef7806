package event

import (
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Listener receives values published on a Bus.
type Listener[E any] func(E)

type subscription[E any] struct {
	id       uint64
	listener Listener[E]
}

// Bus is a synchronous listener list. Publish calls every listener in
// registration order on the publishing goroutine, so listeners must not block.
type Bus[E any] struct {
	mu     sync.RWMutex
	subs   []subscription[E]
	nextID atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus[E any]() *Bus[E] {
	return &Bus[E]{}
}

// Subscribe registers l and returns a function that removes it. The returned
// function is safe to call more than once.
func (b *Bus[E]) Subscribe(l Listener[E]) (unsubscribe func()) {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs = append(b.subs, subscription[E]{id: id, listener: l})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[E]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish dispatches e to all listeners. A panicking listener is logged and
// skipped; delivery continues with the next listener.
func (b *Bus[E]) Publish(e E) {
	b.mu.RLock()
	subs := make([]subscription[E], len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		safeCall(sub.listener, e)
	}
}

func safeCall[E any](l Listener[E], e E) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: event listener panicked for %T: %v\n%s", e, r, debug.Stack())
		}
	}()
	l(e)
}

// Len returns the number of registered listeners.
func (b *Bus[E]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Clear removes all listeners.
func (b *Bus[E]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
}
