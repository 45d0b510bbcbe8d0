package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	if Classify(nil) != nil {
		t.Error("expected nil")
	}

	base := errors.New("connection refused")
	for _, tc := range []struct {
		name      string
		err       error
		kind      ErrorKind
		retryable bool
	}{
		{"plain", base, ErrorTransient, true},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), ErrorTimeout, true},
		{"permanent", Permanent("device %s unknown", "dev-1"), ErrorPermanent, false},
		{"wrapped mismatch", fmt.Errorf("verify: %w", Mismatch("checksum")), ErrorMismatch, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := Classify(tc.err)
			if have, want := e.Kind, tc.kind; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
			if have, want := e.Retryable(), tc.retryable; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
		})
	}

	e := Classify(base)
	if !errors.Is(e, base) {
		t.Error("classified error should unwrap to the original")
	}
	if have, want := e.Error(), "transient: connection refused"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	var nilErr *Error
	if nilErr.Retryable() {
		t.Error("nil error is not retryable")
	}
}
