// Package session tracks the single in-flight backup: a state machine fed by
// push events and a local progress estimator, driven by a one-goroutine reactor.
package session

import "errors"

// State is the lifecycle state of a backup session
type State string

const (
	StateIdle      State = "IDLE"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible from s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

var (
	// ErrSessionActive is returned when starting while a session is running.
	ErrSessionActive = errors.New("a backup session is already running")
	// ErrNotRunning is returned by operations that need a running session.
	ErrNotRunning = errors.New("no running backup session")
	// ErrNotIdle is returned when a machine that already started is started again.
	ErrNotIdle = errors.New("session already started")
	// ErrStartInFlight is returned when a start request for the target is pending.
	ErrStartInFlight = errors.New("start request already in flight for this server")
)

// Transition records a state change. The zero value means nothing changed.
type Transition struct {
	From State
	To   State
}

// Changed reports whether the transition moved the machine.
func (t Transition) Changed() bool { return t.From != t.To }
