package errors

import (
	"testing"
)

func TestSentinelWrapping(t *testing.T) {
	err := NewConflictError("job already scheduled: %s", "JOB_dup")
	if !IsConflictError(err) {
		t.Errorf("expected wrapped conflict error to satisfy IsConflictError")
	}
	if IsNotFoundError(err) {
		t.Errorf("conflict error should not satisfy IsNotFoundError")
	}

	wrapped := Wrap(err, "schedule failed")
	if !Is(wrapped, ErrConflict) {
		t.Errorf("wrapping should preserve the sentinel")
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("rule %s", "r-42")
	if !IsNotFoundError(err) {
		t.Errorf("expected not-found sentinel")
	}
	if got := err.Error(); got == "" {
		t.Errorf("expected message, got empty string")
	}
}

func TestIsUnauthorized(t *testing.T) {
	err := Wrap(ErrUnauthorized, "bad signature")
	if !IsUnauthorizedError(err) {
		t.Errorf("expected unauthorized sentinel to survive wrapping")
	}
	if IsUnauthorizedError(nil) {
		t.Errorf("nil must not be unauthorized")
	}
}
