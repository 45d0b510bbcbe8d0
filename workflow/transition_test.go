package workflow

import (
	"errors"
	"testing"
	"time"
)

func TestTransitionApply(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	w := New("c1", "dev-1", "t1", "fw-1", now)
	if err := w.Validate(); err != nil {
		t.Fatal(err)
	}

	tr := Keep(w, now.Add(time.Second))
	tr.Attempts = Delta(ActivityPrepare, 1)
	tr.Cancel = true
	n := tr.Apply(w)

	if have, want := n.Revision, w.Revision+1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := n.Attempts.Prepare, 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if !n.Cancelled {
		t.Error("expected cancelled")
	}
	if have, want := n.UpdatedAt, now.Add(time.Second); !have.Equal(want) {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if w.Cancelled || w.Revision != 0 {
		t.Error("original workflow was modified")
	}

	// cancel is sticky
	tr = &Transition{
		From:      StateQueued,
		To:        StatePreparing,
		Attempts:  Attempts{Prepare: -5},
		LastError: Transient("offline"),
		At:        now,
	}
	n = tr.Apply(n)
	if !n.Cancelled {
		t.Error("cancel was reset")
	}
	if have, want := n.Attempts.Prepare, 0; have != want {
		t.Errorf("counters must not go negative: have: %v, want: %v", have, want)
	}
	if have, want := n.State, StatePreparing; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if n.LastError == nil || n.LastError.Kind != ErrorTransient {
		t.Errorf("unexpected last error: %v", n.LastError)
	}
}

func TestTransitionValidate(t *testing.T) {
	var tr *Transition
	if err := tr.Validate(); !errors.Is(err, ErrEmptyTransition) {
		t.Errorf("expected ErrEmptyTransition, got: %v", err)
	}
	tr = &Transition{From: StateQueued, To: StateApplying}
	if err := tr.Validate(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got: %v", err)
	}
	tr = &Transition{From: StateApplying, To: StateComplete}
	if err := tr.Validate(); err != nil {
		t.Error(err)
	}
}

func TestWorkflowID(t *testing.T) {
	if ID("c1", "dev-1") != ID("c1", "dev-1") {
		t.Error("workflow IDs must be deterministic")
	}
	if ID("c1", "dev-1") == ID("c1", "dev-2") {
		t.Error("workflow IDs must differ by device")
	}
	if ID("c1", "dev-1") == ID("c1dev-", "1") {
		t.Error("workflow IDs must not collide on concatenation")
	}

	w := New("c1", "dev-1", "t1", "fw-1", time.Now())
	w.ID = "other"
	if err := w.Validate(); !errors.Is(err, ErrMismatchedID) {
		t.Errorf("expected ErrMismatchedID, got: %v", err)
	}
}
