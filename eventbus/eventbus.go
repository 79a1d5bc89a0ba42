// Package eventbus fans application-facing events (connected,
// logged-out, message received, receipt, call offer, ...) out to
// subscribers synchronously and in registration order, isolating one
// panicking subscriber from the rest (spec.md §4.J, component J). It is
// grounded on the teacher's callback registries in toxcore.go
// (OnFriendMessage, OnFriendRequest, ...), generalized from a fixed set
// of typed callback fields to a single type-keyed bus so new event types
// don't require touching the bus itself.
package eventbus

import (
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"
)

// Bus dispatches events by their concrete Go type: Subscribe[T] (a
// package-level generic helper, see below) registers a handler for
// exactly one event type, and Emit runs every handler registered for the
// emitted value's type.
type Bus struct {
	log *logrus.Logger

	mu       sync.RWMutex
	handlers map[reflect.Type][]func(any)
}

// New creates an empty Bus. A nil logger defaults to
// logrus.StandardLogger().
func New(log *logrus.Logger) *Bus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bus{log: log, handlers: make(map[reflect.Type][]func(any))}
}

// subscribeAny is the untyped registration primitive Subscribe wraps.
func (b *Bus) subscribeAny(t reflect.Type, fn func(any)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], fn)
}

// Emit runs every handler subscribed to event's concrete type,
// synchronously, in registration order. A handler that panics is logged
// and skipped; it does not stop later handlers from running and does not
// propagate to the caller (spec.md §4.J "panic-safe subscriber
// invocation").
func (b *Bus) Emit(event any) {
	t := reflect.TypeOf(event)
	b.mu.RLock()
	handlers := append([]func(any){}, b.handlers[t]...)
	b.mu.RUnlock()

	for _, fn := range handlers {
		b.runHandler(fn, event)
	}
}

func (b *Bus) runHandler(fn func(any), event any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithField("panic", r).WithField("event_type", reflect.TypeOf(event)).
				Error("eventbus: subscriber panicked")
		}
	}()
	fn(event)
}

// Subscribe registers a typed handler for T on bus. Using a free
// function (rather than a Bus method) lets the caller get a typed
// callback signature without the Bus itself needing type parameters on
// every field.
func Subscribe[T any](bus *Bus, fn func(T)) {
	var zero T
	t := reflect.TypeOf(zero)
	bus.subscribeAny(t, func(event any) {
		fn(event.(T))
	})
}
