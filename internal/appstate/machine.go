package appstate

import (
	"io"
	"log/slog"
	"sync"

	"github.com/aaronromeo/mailer/internal/credential"
)

// Observer is told about every committed transition.
type Observer func(old, new State)

type Option func(*Machine)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		m.log = logger
	}
}

// Machine owns the session state and the credential set tied to Established.
//
// Events are applied one at a time from a queue. Whoever finds the machine
// idle drains the queue and runs the observers for each transition before
// applying the next event, so an observer that fires an event (or a concurrent
// caller) only ever queues it.
type Machine struct {
	log *slog.Logger

	mu        sync.Mutex
	state     State
	creds     credential.Set
	queue     []Event
	draining  bool
	observers []observer
	nextObsID int
}

type observer struct {
	id int
	fn Observer
}

func New(opts ...Option) *Machine {
	m := &Machine{state: State{Phase: Unauthenticated}}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return m
}

// Current returns a snapshot of the committed state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Credentials returns the held credential set. ok is false unless the
// machine is Established.
func (m *Machine) Credentials() (credential.Set, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds, m.state.Phase == Established
}

// Subscribe registers fn and returns a function removing it.
func (m *Machine) Subscribe(fn Observer) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextObsID++
	id := m.nextObsID
	m.observers = append(m.observers, observer{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, o := range m.observers {
			if o.id == id {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// Fire queues ev and drains the queue if nobody else is. The returned state
// is the committed state once Fire returns; when another goroutine (or an
// enclosing observer) is already draining, ev is applied after Fire returns.
func (m *Machine) Fire(ev Event) State {
	m.Enqueue(ev)
	return m.Drain()
}

// Enqueue appends events without applying them. Pair with Drain.
func (m *Machine) Enqueue(evs ...Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, evs...)
}

// Plan calls fn with the state the machine will be in once everything
// already queued has been applied, and queues the events fn returns. The
// projection and the enqueue happen atomically. Pair with Drain.
func (m *Machine) Plan(fn func(projected State) []Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	projected := m.state
	for _, ev := range m.queue {
		projected, _ = Next(projected, ev)
	}
	m.queue = append(m.queue, fn(projected)...)
}

// Drain applies queued events in order unless a drain is already running.
func (m *Machine) Drain() State {
	m.mu.Lock()
	if m.draining {
		s := m.state
		m.mu.Unlock()
		return s
	}
	m.draining = true

	for len(m.queue) > 0 {
		ev := m.queue[0]
		m.queue[0] = Event{}
		m.queue = m.queue[1:]

		old := m.state
		next, ok := Next(old, ev)
		if !ok {
			m.log.Warn("ignoring event", "state", old.String(), "event", ev.String())
			continue
		}

		m.state = next
		switch {
		case next.Phase == Established:
			m.creds = ev.Credentials
		case old.Phase == Established:
			m.creds = credential.Set{}
		}
		observers := make([]observer, len(m.observers))
		copy(observers, m.observers)

		m.mu.Unlock()
		m.log.Info("state changed", "from", old.String(), "to", next.String(), "event", ev.Kind.String())
		for _, o := range observers {
			o.fn(old, next)
		}
		m.mu.Lock()
	}
	m.draining = false
	s := m.state
	m.mu.Unlock()
	return s
}
