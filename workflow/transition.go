package workflow

import (
	"errors"
	"fmt"
	"time"
)

var ErrEmptyTransition = errors.New("empty transition")

// Transition is a conditional change to a stored workflow.
type Transition struct {
	// From is the state the workflow is expected to be in.
	From State
	// Revision, if non-zero, is the revision the workflow is expected to be at.
	Revision int64

	To State
	// Attempts are added to the stored attempt counters.
	// A negative delta resets a counter when entering a new phase.
	Attempts Attempts

	// The following values replace the stored values.
	LastError *Error
	NotBefore time.Time
	Deadline  time.Time

	// Cancel marks the workflow as cancelled. It is never un-set.
	Cancel bool

	At time.Time
}

// Validate checks the transition against the state graph.
func (t *Transition) Validate() error {
	if t == nil {
		return ErrEmptyTransition
	}
	if !CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, t.From, t.To)
	}
	return nil
}

// Apply returns a copy of w with t applied. Expectations of t are not
// checked; that is the job of the storage backend.
func (t *Transition) Apply(w *Workflow) *Workflow {
	n := w.Copy()
	n.State = t.To
	n.Attempts = n.Attempts.Add(t.Attempts)
	n.LastError = t.LastError
	n.NotBefore = t.NotBefore
	n.Deadline = t.Deadline
	n.Cancelled = n.Cancelled || t.Cancel
	n.UpdatedAt = t.At
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = time.Now()
	}
	n.Revision++
	return n
}

// Keep returns a transition that leaves w as it is: same state, same
// error and schedule, expecting w's current revision. Callers modify
// the returned transition to record attempts or change the schedule.
func Keep(w *Workflow, at time.Time) *Transition {
	return &Transition{
		From:      w.State,
		Revision:  w.Revision,
		To:        w.State,
		LastError: w.LastError,
		NotBefore: w.NotBefore,
		Deadline:  w.Deadline,
		At:        at,
	}
}
