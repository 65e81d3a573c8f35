package policy

import (
	"fmt"
	"sync"
	"time"
)

// State is a job lifecycle state.
type State string

const (
	Created          State = "created"
	Segmenting       State = "segmenting"
	Dispatching      State = "dispatching"
	AllSucceeded     State = "all_succeeded"
	PartialFailure   State = "partial_failure"
	AllFailed        State = "all_failed"
	Reassembling     State = "reassembling"
	Done             State = "done"
	DoneWithWarnings State = "done_with_warnings"
	Failed           State = "failed"
	Cancelled        State = "cancelled"
	Aborted          State = "aborted"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case Done, DoneWithWarnings, Failed, Aborted:
		return true
	}
	return false
}

var transitions = map[State][]State{
	Created:        {Segmenting, Cancelled},
	Segmenting:     {Dispatching, Failed, Cancelled},
	Dispatching:    {AllSucceeded, PartialFailure, AllFailed, Cancelled},
	AllSucceeded:   {Reassembling},
	PartialFailure: {Reassembling, Failed},
	AllFailed:      {Failed},
	Reassembling:   {Done, DoneWithWarnings},
	Cancelled:      {Aborted},
}

// Transition records one state change.
type Transition struct {
	JobID  string
	From   State
	To     State
	At     time.Time
	Detail string
}

// Observer is notified of every transition in order. Observers must not
// block for long; they run on the job's goroutine.
type Observer interface {
	OnTransition(Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Transition)

func (f ObserverFunc) OnTransition(t Transition) { f(t) }

// Machine enforces the job lifecycle.
type Machine struct {
	mu        sync.Mutex
	jobID     string
	state     State
	history   []Transition
	observers []Observer
	clock     func() time.Time
}

func NewMachine(jobID string, observers ...Observer) *Machine {
	return &Machine{jobID: jobID, state: Created, observers: observers, clock: time.Now}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns a copy of the transitions so far.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}

// To moves the machine to next, rejecting transitions the lifecycle does not
// allow.
func (m *Machine) To(next State, detail string) error {
	m.mu.Lock()
	from := m.state
	if !allowed(from, next) {
		m.mu.Unlock()
		return fmt.Errorf("illegal transition %s -> %s", from, next)
	}
	t := Transition{JobID: m.jobID, From: from, To: next, At: m.clock(), Detail: detail}
	m.state = next
	m.history = append(m.history, t)
	observers := m.observers
	m.mu.Unlock()

	for _, o := range observers {
		o.OnTransition(t)
	}
	return nil
}

// Abort moves any non-terminal job through Cancelled to Aborted.
func (m *Machine) Abort(detail string) error {
	if m.State() != Cancelled {
		if err := m.To(Cancelled, detail); err != nil {
			return err
		}
	}
	return m.To(Aborted, detail)
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
