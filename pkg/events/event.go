// Package events provides a small typed fan-out event used between roles, the
// connectivity manager and the application.
package events

import "sync"

// Handler receives one emitted value.
type Handler[T any] func(T)

// Subscription identifies a registered handler so it can be removed later.
type Subscription uint64

// Event fans a value out to every registered handler, in registration order.
// The zero value is ready to use.
type Event[T any] struct {
	mu   sync.RWMutex
	next Subscription
	subs []subscriber[T]
}

type subscriber[T any] struct {
	id Subscription
	fn Handler[T]
}

// Subscribe registers fn and returns its handle.
func (e *Event[T]) Subscribe(fn Handler[T]) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	e.subs = append(e.subs, subscriber[T]{id: e.next, fn: fn})
	return e.next
}

// Unsubscribe removes the handler registered under id. It reports whether the
// handler was still registered.
func (e *Event[T]) Unsubscribe(id Subscription) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered handlers.
func (e *Event[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

// Emit calls every handler registered at the time of the call. Handlers run on
// the caller's goroutine and must not block.
func (e *Event[T]) Emit(v T) {
	e.mu.RLock()
	subs := make([]subscriber[T], len(e.subs))
	copy(subs, e.subs)
	e.mu.RUnlock()
	for _, s := range subs {
		s.fn(v)
	}
}
