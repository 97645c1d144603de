package extension

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind labels a lifecycle event.
type EventKind string

// Lifecycle events the manager emits.
const (
	EventInstalled   EventKind = "installed"
	EventUninstalled EventKind = "uninstalled"
	EventEnabled     EventKind = "enabled"
	EventDisabled    EventKind = "disabled"
	EventReloaded    EventKind = "reloaded"
	EventUpdated     EventKind = "updated"
	EventFailed      EventKind = "failed"
)

// Event is one lifecycle notification.
type Event struct {
	ID        string
	Kind      EventKind
	Extension string
	Err       error
	Time      time.Time
}

// events fans lifecycle notifications out to subscribers. Handlers run
// synchronously on the emitting goroutine; they must not call back into the
// manager.
type events struct {
	mu   sync.Mutex
	subs map[int]func(Event)
	next int
}

func newEvents() *events {
	return &events{subs: make(map[int]func(Event))}
}

// subscribe registers a handler and returns its cancel function.
func (e *events) subscribe(handler func(Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.next
	e.next++
	e.subs[id] = handler
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

func (e *events) emit(kind EventKind, extension string, err error) {
	ev := Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Extension: extension,
		Err:       err,
		Time:      time.Now(),
	}

	e.mu.Lock()
	handlers := make([]func(Event), 0, len(e.subs))
	for _, h := range e.subs {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
