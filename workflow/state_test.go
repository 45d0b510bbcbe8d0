package workflow

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	for _, tc := range []struct {
		from, to State
		want     bool
	}{
		{StateQueued, StatePreparing, true},
		{StateQueued, StateQueued, true},
		{StateQueued, StateDownloading, false},
		{StatePreparing, StateDownloading, true},
		{StatePreparing, StateRollback, false},
		{StateDownloading, StateApplying, true},
		{StateDownloading, StateRollback, true},
		{StateDownloading, StateComplete, false},
		{StateApplying, StateComplete, true},
		{StateApplying, StateRollback, true},
		{StateRollback, StateRolledBack, true},
		{StateRollback, StateComplete, false},
		{StateRollback, StateFailed, true},
		{StateQueued, StateFailed, true},
		{StateComplete, StateFailed, false},
		{StateFailed, StateFailed, false},
		{StateRolledBack, StateRolledBack, false},
		{State("BOGUS"), StateFailed, false},
		{StateQueued, State("BOGUS"), false},
	} {
		if have, want := CanTransition(tc.from, tc.to), tc.want; have != want {
			t.Errorf("%s -> %s: have: %v, want: %v", tc.from, tc.to, have, want)
		}
	}
}

func TestTerminal(t *testing.T) {
	terminal := map[State]bool{
		StateComplete:   true,
		StateRolledBack: true,
		StateFailed:     true,
	}
	for _, s := range States {
		if have, want := s.Terminal(), terminal[s]; have != want {
			t.Errorf("%s: have: %v, want: %v", s, have, want)
		}
	}
}

func TestValidPath(t *testing.T) {
	err := ValidPath([]State{
		StateQueued,
		StatePreparing,
		StatePreparing,
		StateDownloading,
		StateRollback,
		StateRolledBack,
	})
	if err != nil {
		t.Error(err)
	}

	err = ValidPath([]State{StateQueued, StateDownloading})
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got: %v", err)
	}

	err = ValidPath([]State{StateQueued, StatePreparing, StateFailed, StatePreparing})
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got: %v", err)
	}
}
