// Package apperr defines the error taxonomy shared by the donation lifecycle
// services. Services return *Error values (usually wrapping a cause) and the
// HTTP layer maps each Kind onto a status code.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide whether to retry, fix the
// input or give up.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindStateConflict Kind = "state_conflict"
	KindNotFound      Kind = "not_found"
	KindConcurrency   Kind = "concurrency_conflict"
	KindCapacity      Kind = "capacity"
	KindPermission    Kind = "permission"
)

// Store-level sentinels. Repositories return these (optionally wrapped) and
// services translate them into a Kind.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrStale    = errors.New("stale version")
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation reports malformed or out-of-range input.
func Validation(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

// StateConflict reports an operation that is illegal in the entity's current state.
func StateConflict(format string, args ...any) *Error {
	return newf(KindStateConflict, format, args...)
}

// NotFound reports an unknown id.
func NotFound(entity string, id any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %v not found", entity, id), Err: ErrNotFound}
}

// Concurrency reports a lost optimistic-lock race. The caller should retry
// the whole operation.
func Concurrency(format string, args ...any) *Error {
	return &Error{Kind: KindConcurrency, Message: fmt.Sprintf(format, args...), Err: ErrStale}
}

// Capacity reports a request that could only be partially satisfied.
func Capacity(format string, args ...any) *Error {
	return newf(KindCapacity, format, args...)
}

// Permission reports an actor acting outside their authority.
func Permission(format string, args ...any) *Error {
	return newf(KindPermission, format, args...)
}

// Wrap classifies an arbitrary error.
func Wrap(err error, kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when the
// error is unclassified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FromStore translates repository sentinels into classified errors. Errors
// that are already classified pass through untouched.
func FromStore(err error, entity string, id any) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return NotFound(entity, id)
	case errors.Is(err, ErrStale):
		return Concurrency("%s %v was modified concurrently", entity, id)
	case errors.Is(err, ErrConflict):
		return Wrap(err, KindStateConflict, fmt.Sprintf("%s %v conflicts with existing state", entity, id))
	}
	return err
}
