package queue

import (
	"log"
	"sync"

	"scan-job-queue/internal/storage"
)

// EventKind names a lifecycle event emitted by the engine.
type EventKind string

const (
	EventJobAdded     EventKind = "job_added"
	EventJobUpdated   EventKind = "job_updated"
	EventJobCompleted EventKind = "job_completed"
	EventJobFailed    EventKind = "job_failed"
	EventJobsCleared  EventKind = "jobs_cleared"
)

// Event carries the full job record at emission time (nil for jobs_cleared).
type Event struct {
	Kind EventKind
	Job  *storage.Job
}

// EventHandler consumes one event. Handlers run synchronously on the
// emitting goroutine, in registration order.
type EventHandler func(Event)

type subscription struct {
	id      int
	handler EventHandler
}

// Bus is a per-event-kind observer registry. Emission order within a kind is
// registration order; no ordering is guaranteed across distinct kinds.
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[EventKind][]subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[EventKind][]subscription)}
}

// Subscribe registers a handler for one event kind and returns an
// unsubscribe func. Unsubscribing twice is harmless.
func (b *Bus) Subscribe(kind EventKind, h EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.subs[kind] = append(b.subs[kind], subscription{id: id, handler: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[kind]
		for i, s := range list {
			if s.id == id {
				b.subs[kind] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers an event to every handler registered for its kind. A
// panicking handler is logged and skipped; it never takes down the engine.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	list := make([]subscription, len(b.subs[ev.Kind]))
	copy(list, b.subs[ev.Kind])
	b.mu.Unlock()

	for _, s := range list {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[events] handler panic on %s: %v", ev.Kind, r)
				}
			}()
			s.handler(ev)
		}()
	}
}
