package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type connectedEvent struct{ Attempt int }
type messageEvent struct{ Body string }

func TestEmitRunsHandlersInRegistrationOrder(t *testing.T) {
	bus := New(nil)
	var order []string

	Subscribe(bus, func(connectedEvent) { order = append(order, "first") })
	Subscribe(bus, func(connectedEvent) { order = append(order, "second") })
	Subscribe(bus, func(messageEvent) { order = append(order, "unrelated") })

	bus.Emit(connectedEvent{Attempt: 1})
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestEmitIsolatesPanickingHandler(t *testing.T) {
	bus := New(nil)
	ran := false

	Subscribe(bus, func(messageEvent) { panic("boom") })
	Subscribe(bus, func(messageEvent) { ran = true })

	assert.NotPanics(t, func() {
		bus.Emit(messageEvent{Body: "hi"})
	})
	assert.True(t, ran)
}

func TestEmitWithNoSubscribersIsANoop(t *testing.T) {
	bus := New(nil)
	assert.NotPanics(t, func() {
		bus.Emit(connectedEvent{})
	})
}
