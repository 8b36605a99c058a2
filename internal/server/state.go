package server

import "fmt"

// State is the lifecycle state of a Service.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// TransitionError reports a lifecycle call made while the service was moving
// between states in the opposite direction.
type TransitionError struct {
	Op    string
	State State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("server: cannot %s while %s", e.Op, e.State)
}
