package quiver

import (
	"errors"
	"fmt"
)

// StatusCode classifies recoverable lifecycle failures.
type StatusCode int

const (
	// CodeOK means no error.
	CodeOK StatusCode = iota
	// CodeConfig indicates an invalid or inconsistent configuration.
	CodeConfig
	// CodeRemoteStore indicates the remote object store could not be reached
	// or initialized.
	CodeRemoteStore
	// CodeConflict indicates a name conflict (e.g. database already exists).
	CodeConflict
	// CodeNotFound indicates a missing database or object.
	CodeNotFound
	// CodeInvalidMode indicates a request made to a component in the wrong
	// state (e.g. a stopped processor or an inactive transaction).
	CodeInvalidMode
	// CodeIO indicates a transient I/O failure surfaced to the caller.
	CodeIO
)

// Status is a typed, recoverable error returned by lifecycle operations.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type Status struct {
	Code    StatusCode
	Message string
	cause   error
}

func (s *Status) Error() string {
	if s.cause != nil {
		return fmt.Sprintf("%s: %v", s.Message, s.cause)
	}
	return s.Message
}

func (s *Status) Unwrap() error { return s.cause }

// NewStatus creates a Status with the given code and message.
func NewStatus(code StatusCode, message string) *Status {
	return &Status{Code: code, Message: message}
}

// NewStatusErr creates a Status wrapping an underlying cause.
func NewStatusErr(code StatusCode, message string, cause error) *Status {
	return &Status{Code: code, Message: message, cause: cause}
}

// StatusOf extracts a *Status from err, or nil if err carries none.
func StatusOf(err error) *Status {
	var s *Status
	if errors.As(err, &s) {
		return s
	}
	return nil
}

// InvariantError marks a programming error in the lifecycle: a broken
// bring-up invariant, a double initialization, an illegal transition. It is
// raised via panic; a process entry point translates the panic into an abort
// so user state can never diverge from on-disk state.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string {
	return "invariant violation: " + e.Message
}

// Unrecoverable panics with an InvariantError. Callers must never recover it
// except at the process boundary (or in tests asserting on the violation).
func Unrecoverable(format string, args ...any) {
	panic(&InvariantError{Message: fmt.Sprintf(format, args...)})
}
