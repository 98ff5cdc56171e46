package domain

import (
	"errors"
	"fmt"
)

// ErrArtifactNotFound is returned when an artifact ID cannot be resolved.
var ErrArtifactNotFound = errors.New("artifact not found")

// ErrExecutionNotFound is returned when an execution ID is unknown to the ledger.
var ErrExecutionNotFound = errors.New("execution not found")

// ErrJourneyNotFound is returned when a journey ID is unknown.
var ErrJourneyNotFound = errors.New("journey not found")

// ErrInFlight signals that an identical fingerprint is already pending.
// It is a retry/poll signal, not a user-facing failure: the caller should
// poll the existing execution rather than resubmit.
var ErrInFlight = errors.New("execution in flight for identical fingerprint")

// ErrPermissionDenied is returned when the policy collaborator refuses an
// intent. No side-effecting ledger entry is left behind.
var ErrPermissionDenied = errors.New("permission denied")

// ErrHandlerNotFound is returned when no handler is registered for an intent type.
var ErrHandlerNotFound = errors.New("no handler registered for intent type")

// ErrorClass classifies a failure so callers (or a journey's next step) can
// decide to retry, surface to a human, or abandon.
type ErrorClass string

const (
	// ErrorClassTransient: retrying with the same fingerprint is safe and
	// idempotency protects against double effects.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassPermanent: retry will not help until parameters (and thus
	// the fingerprint) change.
	ErrorClassPermanent ErrorClass = "permanent"
	// ErrorClassTimeout: the handler exceeded the caller's deadline.
	ErrorClassTimeout ErrorClass = "timeout"
)

// ValidationError reports bad intent parameters. No ledger entry is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// TransitionError reports an invalid lifecycle transition. It indicates a
// programming or caller bug and is never auto-retried.
type TransitionError struct {
	ArtifactID string
	From       LifecycleState
	To         LifecycleState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for artifact %s: %s -> %s", e.ArtifactID, e.From, e.To)
}

// HandlerError is a classified failure returned by a capability handler.
type HandlerError struct {
	Class ErrorClass
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler failure (%s): %v", e.Class, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Transient wraps an error as a retryable handler failure.
func Transient(err error) *HandlerError {
	return &HandlerError{Class: ErrorClassTransient, Err: err}
}

// Permanent wraps an error as a terminal handler failure for this fingerprint.
func Permanent(err error) *HandlerError {
	return &HandlerError{Class: ErrorClassPermanent, Err: err}
}

// Classify extracts the error class of a handler failure.
// Unclassified errors default to permanent: blind retries of unknown
// failures are worse than asking the caller to look.
func Classify(err error) ErrorClass {
	var he *HandlerError
	if errors.As(err, &he) {
		return he.Class
	}
	return ErrorClassPermanent
}
