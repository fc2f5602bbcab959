package session

import (
	"sync"
	"time"
)

type State string

const (
	StateNotInitialized State = "not_initialized"
	StateStarting       State = "starting"
	StateReady          State = "ready"
	StateBusy           State = "busy"
	StateRecovering     State = "recovering"
	StateClosed         State = "closed"
	StateError          State = "error"
)

// Usable reports whether leases may be handed out in this state.
func (s State) Usable() bool {
	return s == StateReady || s == StateBusy
}

type EventType string

const (
	EventStateChanged EventType = "state_changed"
	EventError        EventType = "error"
	EventExpired      EventType = "expired"
	EventRecovered    EventType = "recovered"
)

// Event is a lifecycle notification published by a Session.
type Event struct {
	Type      EventType
	SessionID string
	State     State
	Err       error
	At        time.Time
}

type Listener func(Event)

// listeners is an ordered, detachable set of Listener callbacks. Removing a
// listener waits for deliveries in flight, so nothing removed is called
// afterwards.
type listeners struct {
	gate sync.RWMutex // held for reading while delivering

	mu   sync.Mutex
	next int
	fns  map[int]Listener
}

// add registers fn and returns a function that detaches it.
func (l *listeners) add(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]Listener)
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() {
		l.gate.Lock()
		defer l.gate.Unlock()
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *listeners) clear() {
	l.gate.Lock()
	defer l.gate.Unlock()
	l.mu.Lock()
	l.fns = nil
	l.mu.Unlock()
}

// emit calls every listener in registration order. Listeners must not
// detach themselves or others from inside the callback.
func (l *listeners) emit(ev Event) {
	l.gate.RLock()
	defer l.gate.RUnlock()
	l.mu.Lock()
	fns := make([]Listener, 0, len(l.fns))
	for i := 0; i < l.next; i++ {
		if fn, ok := l.fns[i]; ok {
			fns = append(fns, fn)
		}
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
