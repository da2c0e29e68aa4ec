package errors

import (
	"testing"
)

func TestSentinelErrorsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrNotFound,
		ErrInvalidRequest,
		ErrForbidden,
		ErrCannotCancel,
		ErrCannotRetry,
		ErrTimeout,
		ErrStoreUnavailable,
	}

	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && Is(a, b) {
				t.Errorf("sentinel %v unexpectedly matches %v", a, b)
			}
		}
	}
}

func TestWrapPreservesSentinel(t *testing.T) {
	err := Wrap(ErrNotFound, "job lookup failed")
	err = Wrapf(err, "while handling request %s", "req-123")

	if !Is(err, ErrNotFound) {
		t.Errorf("wrapped error lost ErrNotFound identity: %v", err)
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound returned false for wrapped ErrNotFound")
	}
	if IsForbidden(err) {
		t.Error("IsForbidden returned true for a not-found error")
	}
}

func TestNewNotFoundErrorCarriesMessage(t *testing.T) {
	err := NewNotFoundError("job %s does not exist", "jb-42")

	if !Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := err.Error(); got == "" {
		t.Error("expected non-empty error message")
	}
}

func TestIsHelpersNilSafe(t *testing.T) {
	if IsNotFound(nil) || IsInvalidRequest(nil) || IsForbidden(nil) || IsTimeout(nil) {
		t.Error("Is helpers must return false for nil errors")
	}
}

func TestWithDetailSurfacesDetails(t *testing.T) {
	err := New("dispatch failed")
	err = WithDetail(err, "Job ID: jb-7")
	err = WithDetail(err, "Attempt: 2")

	details := GetAllDetails(err)
	if len(details) != 2 {
		t.Fatalf("expected 2 details, got %d: %v", len(details), details)
	}
}
