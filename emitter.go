package threadx

import "sync"

// Listener receives event data along with the emitter that fired it.
type Listener func(source any, data any)

// emitter is a small insertion-ordered observer-pattern capability
// shared by SharedObject and Router (spec.md §9 "Event emitter" design
// note — "no inheritance dependency, emitter behavior is a capability").
type emitter struct {
	mu        sync.Mutex
	listeners map[string][]*listenerHandle
	nextID    uint64
}

type listenerHandle struct {
	id uint64
	fn Listener
}

func newEmitter() *emitter {
	return &emitter{listeners: map[string][]*listenerHandle{}}
}

// On registers fn for event, returning a handle OffByID uses to
// identify this specific registration.
func (e *emitter) On(event string, fn Listener) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.listeners[event] = append(e.listeners[event], &listenerHandle{id: id, fn: fn})
	return id
}

// Once registers fn to fire at most once, self-removing before it is
// invoked.
func (e *emitter) Once(event string, fn Listener) uint64 {
	var id uint64
	wrapped := func(source any, data any) {
		e.OffByID(event, id)
		fn(source, data)
	}
	id = e.On(event, wrapped)
	return id
}

// Off removes every listener registered for event.
func (e *emitter) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners, event)
}

// OffByID removes a single listener previously returned by On/Once.
func (e *emitter) OffByID(event string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ls := e.listeners[event]
	for i, h := range ls {
		if h.id == id {
			e.listeners[event] = append(ls[:i], ls[i+1:]...)
			return
		}
	}
}

// Emit invokes every listener registered for event, in registration
// order, with (source, data).
func (e *emitter) Emit(source any, event string, data any) {
	e.mu.Lock()
	ls := make([]*listenerHandle, len(e.listeners[event]))
	copy(ls, e.listeners[event])
	e.mu.Unlock()

	for _, h := range ls {
		h.fn(source, data)
	}
}

// Clear removes every listener for every event, used during
// SharedObject destruction.
func (e *emitter) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = map[string][]*listenerHandle{}
}
