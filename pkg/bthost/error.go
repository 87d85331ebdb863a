package bthost

import (
	"errors"
	"fmt"
)

// Error exposes methods useful for categorizing failures.
type Error interface {
	error

	// MayHaveSucceeded returns true if the operation that triggered the Error
	// might have been executed by the native stack. A timed-out pairing
	// command, for example, may still have completed on the controller side.
	MayHaveSucceeded() bool

	// Temporary returns true if the Error might be the result of a transient
	// condition, so retrying the same operation can reasonably be expected to
	// behave differently.
	Temporary() bool
}

var (
	// ErrResourceBusy indicates a command of the same class is already in
	// flight for the target resource and the class does not queue.
	ErrResourceBusy = NewError("command already in flight for resource", false, true)
	// ErrOverloaded indicates the per-resource backlog is full.
	ErrOverloaded = NewError("command backlog full", false, true)
	// ErrTimedOut indicates the native stack did not reply before the command
	// deadline. The command may still have been executed.
	ErrTimedOut = NewError("command deadline exceeded", true, true)
	// ErrInvalidTransition indicates the requested state change violates the
	// current state machine.
	ErrInvalidTransition = NewError("invalid state transition", false, false)
	// ErrAdapterNotReady indicates the operation requires the adapter to be
	// powered on.
	ErrAdapterNotReady = NewError("adapter not powered on", false, true)
	// ErrNativeRejected indicates the native stack returned a definitive
	// error; retrying without operator intervention will not help.
	ErrNativeRejected = NewError("native stack rejected command", false, false)
	// ErrCancelled indicates the operation was cancelled by its caller or by
	// adapter shutdown.
	ErrCancelled = NewError("operation cancelled", false, false)
	// ErrAdapterShuttingDown is the session outcome when the adapter leaves
	// the On state with sessions still active.
	ErrAdapterShuttingDown = NewError("adapter shutting down", false, true)
	// ErrStorageUnavailable indicates the persistence collaborator failed.
	// Non-fatal: the in-memory state change still applies.
	ErrStorageUnavailable = NewError("storage unavailable", false, true)
	// ErrUnknownDevice indicates no record exists for the requested address.
	ErrUnknownDevice = errors.New("unknown device")
)

// HostError is the concrete Error implementation used throughout the daemon.
type HostError struct {
	Err               error
	PossibleSuccess   bool
	PossibleTemporary bool
}

// NewError builds a categorized error from a message.
func NewError(message string, mayHaveSucceeded bool, temporary bool) error {
	return &HostError{Err: errors.New(message), PossibleSuccess: mayHaveSucceeded, PossibleTemporary: temporary}
}

func (e *HostError) Error() string { return e.Err.Error() }

func (e *HostError) Unwrap() error { return e.Err }

func (e *HostError) MayHaveSucceeded() bool { return e.PossibleSuccess }

func (e *HostError) Temporary() bool { return e.PossibleTemporary }

// WrapError attaches context to a categorized error while preserving its
// category for errors.Is and the Error interface.
func WrapError(base error, format string, a ...any) error {
	if he, ok := base.(*HostError); ok {
		return &HostError{
			Err:               fmt.Errorf("%s: %w", fmt.Sprintf(format, a...), he),
			PossibleSuccess:   he.PossibleSuccess,
			PossibleTemporary: he.PossibleTemporary,
		}
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, a...), base)
}

// Temporary reports whether err is categorized as transient.
func Temporary(err error) bool {
	var he Error
	return errors.As(err, &he) && he.Temporary()
}

// MayHaveSucceeded reports whether the native stack may have executed the
// operation despite the error.
func MayHaveSucceeded(err error) bool {
	var he Error
	return errors.As(err, &he) && he.MayHaveSucceeded()
}

// ShouldRetry reports whether a session should re-attempt the command that
// produced err. Timeouts are the only errors that are both temporary and
// possibly-succeeded; they are still retryable because every command the
// session layer retries is idempotent at the native boundary.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrAdapterShuttingDown) {
		return false
	}
	return Temporary(err)
}
