package transport

import (
	"sync"

	"collaborative-mindmap/internal/protocol"
)

// Handler receives an event after it has been applied to the replica.
type Handler func(evt protocol.Event)

// StateHandler observes connection state changes.
type StateHandler func(from, to State)

type eventEntry struct {
	id uint64
	h  Handler
}

type stateEntry struct {
	id uint64
	h  StateHandler
}

// Dispatcher fans events out to subscribers in registration order. Every
// subscription can be cancelled on its own.
//
// Handlers run on the session goroutine. They must return quickly and must
// not call Session methods that wait on it; hand work to another goroutine
// instead.
type Dispatcher struct {
	mu     sync.Mutex
	nextID uint64
	byType map[protocol.EventType][]eventEntry
	any    []eventEntry
	states []stateEntry
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{byType: make(map[protocol.EventType][]eventEntry)}
}

// On subscribes h to one event type.
func (d *Dispatcher) On(t protocol.EventType, h Handler) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.byType[t] = append(d.byType[t], eventEntry{id: id, h: h})
	return d.canceller(func() {
		d.byType[t] = removeEvent(d.byType[t], id)
	})
}

// OnAny subscribes h to every event.
func (d *Dispatcher) OnAny(h Handler) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.any = append(d.any, eventEntry{id: id, h: h})
	return d.canceller(func() {
		d.any = removeEvent(d.any, id)
	})
}

// OnState subscribes h to connection state changes.
func (d *Dispatcher) OnState(h StateHandler) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.states = append(d.states, stateEntry{id: id, h: h})
	return d.canceller(func() {
		out := d.states[:0:0]
		for _, e := range d.states {
			if e.id != id {
				out = append(out, e)
			}
		}
		d.states = out
	})
}

func (d *Dispatcher) canceller(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			remove()
		})
	}
}

func removeEvent(entries []eventEntry, id uint64) []eventEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

func (d *Dispatcher) dispatch(evt protocol.Event) {
	d.mu.Lock()
	typed := d.byType[evt.Type()]
	all := d.any
	d.mu.Unlock()

	for _, e := range typed {
		e.h(evt)
	}
	for _, e := range all {
		e.h(evt)
	}
}

func (d *Dispatcher) stateChanged(from, to State) {
	d.mu.Lock()
	states := d.states
	d.mu.Unlock()

	for _, e := range states {
		e.h(from, to)
	}
}
