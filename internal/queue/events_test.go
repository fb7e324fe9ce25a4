package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"scan-job-queue/internal/storage"
)

func TestBusDeliversInRegistrationOrder(t *testing.T) {
	b := NewBus()

	var order []int
	b.Subscribe(EventJobAdded, func(Event) { order = append(order, 1) })
	b.Subscribe(EventJobAdded, func(Event) { order = append(order, 2) })
	b.Subscribe(EventJobAdded, func(Event) { order = append(order, 3) })

	b.Emit(Event{Kind: EventJobAdded, Job: &storage.Job{ID: "j1"}})
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestBusKindIsolation(t *testing.T) {
	b := NewBus()

	var added, failed int
	b.Subscribe(EventJobAdded, func(Event) { added++ })
	b.Subscribe(EventJobFailed, func(Event) { failed++ })

	b.Emit(Event{Kind: EventJobAdded})
	b.Emit(Event{Kind: EventJobAdded})
	b.Emit(Event{Kind: EventJobCompleted})

	assert.Equal(t, 2, added)
	assert.Equal(t, 0, failed)
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus()

	var calls int
	unsub := b.Subscribe(EventJobUpdated, func(Event) { calls++ })

	b.Emit(Event{Kind: EventJobUpdated})
	unsub()
	b.Emit(Event{Kind: EventJobUpdated})
	unsub() // double unsubscribe is harmless

	assert.Equal(t, 1, calls)
}

func TestBusHandlerPanicDoesNotStopDelivery(t *testing.T) {
	b := NewBus()

	var reached bool
	b.Subscribe(EventJobCompleted, func(Event) { panic("boom") })
	b.Subscribe(EventJobCompleted, func(Event) { reached = true })

	b.Emit(Event{Kind: EventJobCompleted, Job: &storage.Job{ID: "j1"}})
	assert.True(t, reached, "handlers after a panicking one must still run")
}
