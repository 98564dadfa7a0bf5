// Package governerr defines the governance core's error taxonomy.
// Every error surfaced across a component boundary is one of these typed
// kinds, wrapped with fmt.Errorf("...: %w", ...) the way the rest of the
// codebase layers context over stdlib errors — never an untyped string.
package governerr

import (
	"errors"
	"fmt"
)

// Kind is the taxonomy discriminant.
type Kind string

const (
	KindConstitutionalViolation Kind = "constitutional_violation"
	KindValidationFailed        Kind = "validation_failed"
	KindPolicyDenied            Kind = "policy_denied"
	KindTimeout                 Kind = "timeout"
	KindVerifierError           Kind = "verifier_error"
	KindPersistenceError        Kind = "persistence_error"
	KindInternalError           Kind = "internal_error"
)

// Error is a typed governance error. Callers compare kinds with errors.Is
// against the sentinel values below, or with Is(err, Kind).
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, governerr.ErrTimeout) style matching against the
// sentinel kind markers below.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newKind(kind Kind) *Error { return &Error{Kind: kind} }

// Sentinel markers for errors.Is comparisons, e.g.:
//
//	if errors.Is(err, governerr.ErrPolicyDenied) { ... }
var (
	ErrConstitutionalViolation = newKind(KindConstitutionalViolation)
	ErrValidationFailed        = newKind(KindValidationFailed)
	ErrPolicyDenied            = newKind(KindPolicyDenied)
	ErrTimeout                 = newKind(KindTimeout)
	ErrVerifierError           = newKind(KindVerifierError)
	ErrPersistenceError        = newKind(KindPersistenceError)
	ErrInternalError           = newKind(KindInternalError)
)

// New builds a typed error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a typed error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Of reports the Kind of err if it (or something it wraps) is a *Error.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
