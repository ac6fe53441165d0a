package presence

import (
	"sync"
	"time"
)

// State is the presence indicator shown to the user.
type State string

const (
	Idle      State = "idle"
	Listening State = "listening"
	Thinking  State = "thinking"
	Speaking  State = "speaking"
)

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Clock schedules delayed callbacks.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock schedules on the runtime timer.
var SystemClock Clock = realClock{}

// Dispatcher re-enters a callback onto the goroutine that owns the machine.
type Dispatcher func(func())

// Machine derives presence from turn events. Apart from the grace timer,
// which is re-dispatched, every method must be called from the owning loop.
type Machine struct {
	grace    time.Duration
	clock    Clock
	dispatch Dispatcher

	state      State
	suggestion bool

	// mu guards timer and generation.
	mu         sync.Mutex
	timer      Timer
	generation uint64
	onChange   func(State)
}

// Option customises a Machine.
type Option func(*Machine)

// WithClock replaces the timer source.
func WithClock(c Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithDispatcher sets how timer callbacks reach the owning loop.
func WithDispatcher(d Dispatcher) Option {
	return func(m *Machine) { m.dispatch = d }
}

// OnChange registers a callback for every state change.
func OnChange(f func(State)) Option {
	return func(m *Machine) { m.onChange = f }
}

// New creates an idle machine with the given grace period.
func New(grace time.Duration, opts ...Option) *Machine {
	m := &Machine{
		grace:    grace,
		clock:    SystemClock,
		dispatch: func(f func()) { f() },
		state:    Idle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current presence.
func (m *Machine) State() State {
	return m.state
}

// Send forces Thinking and invalidates any pending idle transition.
func (m *Machine) Send() {
	m.cancelTimer()
	m.suggestion = false
	m.set(Thinking)
}

// Content moves to Speaking on the first content of a turn.
func (m *Machine) Content() {
	if m.state == Thinking {
		m.set(Speaking)
	}
}

// Done keeps the current state for the grace period, then goes Idle and
// raises the suggestion flag.
func (m *Machine) Done() {
	if m.state != Thinking && m.state != Speaking {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
	}
	m.generation++
	gen := m.generation
	m.timer = m.clock.AfterFunc(m.grace, func() {
		m.dispatch(func() { m.expire(gen) })
	})
}

// Abandon drops the turn: any pending transition is cancelled and the
// machine goes Idle without raising the suggestion.
func (m *Machine) Abandon() {
	m.cancelTimer()
	m.set(Idle)
}

// Pending reports whether an idle transition is armed.
func (m *Machine) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

// Suggestion reports whether the suggestion affordance is raised.
func (m *Machine) Suggestion() bool {
	return m.suggestion
}

// TakeSuggestion returns the suggestion flag and lowers it.
func (m *Machine) TakeSuggestion() bool {
	s := m.suggestion
	m.suggestion = false
	return s
}

func (m *Machine) expire(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.timer == nil {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	m.suggestion = true
	m.set(Idle)
}

func (m *Machine) cancelTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.generation++
}

func (m *Machine) set(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.onChange != nil {
		m.onChange(s)
	}
}
