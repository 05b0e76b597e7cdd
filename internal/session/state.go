package session

import (
	"errors"
	"fmt"
	"strings"
)

// State is the session lifecycle state. Values are wire-stable and
// shared with the session event-type enumeration.
type State int32

const (
	Definition    State = 1
	Configuration State = 2
	Instantiation State = 3
	Runtime       State = 4
	DataCollect   State = 5
	Shutdown      State = 6
)

// String returns a lowercase label for the state.
func (s State) String() string {
	switch s {
	case Definition:
		return "definition"
	case Configuration:
		return "configuration"
	case Instantiation:
		return "instantiation"
	case Runtime:
		return "runtime"
	case DataCollect:
		return "datacollect"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ParseState parses a state label or numeric value.
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "definition", "1":
		return Definition, nil
	case "configuration", "2":
		return Configuration, nil
	case "instantiation", "3":
		return Instantiation, nil
	case "runtime", "4":
		return Runtime, nil
	case "datacollect", "5":
		return DataCollect, nil
	case "shutdown", "6":
		return Shutdown, nil
	default:
		return 0, fmt.Errorf("unknown session state %q", s)
	}
}

var (
	// ErrInvalidState indicates an operation is not permitted in the
	// session's current lifecycle state.
	ErrInvalidState = errors.New("operation not permitted in current session state")
	// ErrInvalidTransition indicates a requested state change is not an
	// allowed lifecycle edge.
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// validTransition reports whether from -> to is an allowed lifecycle
// edge. Shutdown is reachable from any state (the abort path); no other
// state may be skipped. Configuration can fall back to Definition for
// re-editing, and Shutdown returns to Definition so a session can be
// rebuilt.
func validTransition(from, to State) bool {
	if from == to {
		return false
	}
	if to == Shutdown {
		return true
	}
	switch from {
	case Definition:
		return to == Configuration
	case Configuration:
		return to == Definition || to == Instantiation
	case Instantiation:
		return to == Runtime
	case Runtime:
		return to == DataCollect
	case DataCollect:
		return false
	case Shutdown:
		return to == Definition
	default:
		return false
	}
}
