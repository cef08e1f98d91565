package machinery

import "errors"

// Kind is one of the error kinds from the node's error taxonomy. It
// names a policy, not a Go type: callers switch on Kind, not on the
// concrete error value.
type Kind string

const (
	KindInvalidRequest         Kind = "invalid_request"
	KindMachineStateReached    Kind = "machine_state_reached"
	KindMachineUnexpectedState Kind = "machine_unexpected_state"
	KindMachineryUnhandled     Kind = "machinery_unhandled"
	KindMachineryTransient     Kind = "machinery_transient"
	KindMachineryFatal         Kind = "machinery_fatal"
)

// Error wraps an underlying cause with the Kind that determines how the
// Machinery Manager reacts to it.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Reason + ": " + e.Cause.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a machinery Error of the given kind.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap constructs a machinery Error of the given kind around cause.
func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind, true
	}
	return "", false
}

// ErrMachineNotAvailable is returned by AddWork-style callers when the named
// machine does not exist, is disabled, is locked, or is not in an
// acquirable state.
var ErrMachineNotAvailable = errors.New("machinery: machine not available")

// ErrUnhandledState is raised by a backend's State() when it returns a
// state name the manager doesn't recognize as one of the canonical state
// names.
var ErrUnhandledState = errors.New("machinery: backend returned an unhandled state")
