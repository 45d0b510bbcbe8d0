package workflow

import (
	"errors"
	"fmt"
)

// State is the state of a firmware update workflow.
type State string

const (
	StateQueued      State = "QUEUED"
	StatePreparing   State = "PREPARING"
	StateDownloading State = "DOWNLOADING"
	StateApplying    State = "APPLYING"
	StateComplete    State = "COMPLETE"
	StateRollback    State = "ROLLBACK"
	StateRolledBack  State = "ROLLED_BACK"
	StateFailed      State = "FAILED"
)

// States are all workflow states in rough lifecycle order.
var States = []State{
	StateQueued,
	StatePreparing,
	StateDownloading,
	StateApplying,
	StateComplete,
	StateRollback,
	StateRolledBack,
	StateFailed,
}

var ErrInvalidState = errors.New("invalid state")

// transitions is the workflow state graph.
// FAILED is reachable from any non-terminal state and is handled in CanTransition.
var transitions = map[State][]State{
	StateQueued:      {StatePreparing},
	StatePreparing:   {StateDownloading},
	StateDownloading: {StateApplying, StateRollback},
	StateApplying:    {StateComplete, StateRollback},
	StateRollback:    {StateRolledBack},
}

// Valid returns true if s is a known state.
func (s State) Valid() bool {
	for _, v := range States {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal returns true if no further transitions may occur from s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateRolledBack
}

// CanTransition reports whether moving from one state to another is
// permitted by the workflow state graph. Staying in the same non-terminal
// state is permitted (e.g. to record an attempt).
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if from == to || to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidPath reports whether the sequence of observed states is a valid
// walk through the state graph. Repeated states are collapsed.
func ValidPath(path []State) error {
	for i := 1; i < len(path); i++ {
		if path[i-1] == path[i] {
			continue
		}
		if !CanTransition(path[i-1], path[i]) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidState, path[i-1], path[i])
		}
	}
	return nil
}
