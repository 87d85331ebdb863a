package bthost

import (
	"errors"
	"testing"
)

func TestWrapPreservesCategory(t *testing.T) {
	err := WrapError(ErrTimedOut, "pair AA:BB:CC:DD:EE:FF")
	if !errors.Is(err, ErrTimedOut) {
		t.Fatal("wrapped error lost its sentinel")
	}
	if !MayHaveSucceeded(err) {
		t.Fatal("timeout must report possible success")
	}
	if !Temporary(err) {
		t.Fatal("timeout must report temporary")
	}

	wrapped := WrapError(err, "session 42")
	if !errors.Is(wrapped, ErrTimedOut) {
		t.Fatal("double wrap lost the sentinel")
	}
}

func TestCategories(t *testing.T) {
	cases := []struct {
		err       error
		temporary bool
		possible  bool
	}{
		{ErrResourceBusy, true, false},
		{ErrOverloaded, true, false},
		{ErrTimedOut, true, true},
		{ErrInvalidTransition, false, false},
		{ErrAdapterNotReady, true, false},
		{ErrNativeRejected, false, false},
		{ErrCancelled, false, false},
		{ErrAdapterShuttingDown, true, false},
	}
	for _, tc := range cases {
		if got := Temporary(tc.err); got != tc.temporary {
			t.Errorf("Temporary(%v) = %v, want %v", tc.err, got, tc.temporary)
		}
		if got := MayHaveSucceeded(tc.err); got != tc.possible {
			t.Errorf("MayHaveSucceeded(%v) = %v, want %v", tc.err, got, tc.possible)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	if !ShouldRetry(ErrTimedOut) {
		t.Fatal("timeouts are retryable")
	}
	if !ShouldRetry(WrapError(ErrResourceBusy, "connect")) {
		t.Fatal("busy is retryable")
	}
	if ShouldRetry(ErrNativeRejected) {
		t.Fatal("definitive rejection is not retryable")
	}
	if ShouldRetry(ErrCancelled) {
		t.Fatal("cancellation is not retryable")
	}
	if ShouldRetry(WrapError(ErrAdapterShuttingDown, "bond")) {
		t.Fatal("shutdown is not retryable even though it is temporary")
	}
	if ShouldRetry(nil) {
		t.Fatal("nil error is not retryable")
	}
}

func TestNonHostErrorsAreUncategorized(t *testing.T) {
	plain := errors.New("boom")
	if Temporary(plain) || MayHaveSucceeded(plain) || ShouldRetry(plain) {
		t.Fatal("plain errors must not carry categories")
	}
}
