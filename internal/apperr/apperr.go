// Package apperr implements Agent Mail's error taxonomy. Every
// operation-level failure returned across a package boundary is one of
// these kinds, carrying a stable machine code plus a human message and
// optional field context, so callers (the MCP tool surface, tests) can
// distinguish expected outcomes from bugs without string-matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy.
type Kind string

const (
	KindValidation           Kind = "validation"
	KindNotFound             Kind = "not_found"
	KindDuplicate            Kind = "duplicate"
	KindReservationActive    Kind = "reservation_active"
	KindConflict             Kind = "conflict"
	KindDiskPressureCritical Kind = "disk_pressure_critical"
	KindDiskPressureFatal    Kind = "disk_pressure_fatal"
	KindPoolExhausted        Kind = "pool_exhausted"
	KindDatabaseFailure      Kind = "database_failure"
	KindCancelled            Kind = "cancelled"
	KindInternal             Kind = "internal"
)

// Error is the structured error type returned by every Agent Mail
// operation that can fail in a caller-distinguishable way.
type Error struct {
	Kind    Kind
	Message string
	Field   string // optional: the input field that failed validation
	Payload any    // optional: kind-specific structured detail (e.g. stale_reasons)
	Wrapped error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Code returns the stable machine-readable code for this error, suitable
// for a JSON-RPC error payload's `data.code`.
func (e *Error) Code() string { return string(e.Kind) }

func new_(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Validation(field, format string, args ...any) *Error {
	e := new_(KindValidation, fmt.Sprintf(format, args...))
	e.Field = field
	return e
}

func NotFound(format string, args ...any) *Error {
	return new_(KindNotFound, fmt.Sprintf(format, args...))
}

func Duplicate(format string, args ...any) *Error {
	return new_(KindDuplicate, fmt.Sprintf(format, args...))
}

// ReservationActiveErr reports that a forced release was refused because
// the staleness signals were insufficient. payload is the []string of
// stale_reasons collected so far.
func ReservationActiveErr(reasons []string) *Error {
	e := new_(KindReservationActive, "reservation is still active")
	e.Payload = reasons
	return e
}

func DiskPressureCritical(path string) *Error {
	e := new_(KindDiskPressureCritical, "archive writes disabled: disk pressure critical")
	e.Field = path
	return e
}

func DiskPressureFatal(path string) *Error {
	e := new_(KindDiskPressureFatal, "mutations refused: disk pressure fatal")
	e.Field = path
	return e
}

func PoolExhausted(waited string) *Error {
	return new_(KindPoolExhausted, fmt.Sprintf("connection pool acquisition timed out after %s", waited))
}

func DatabaseFailure(step string, cause error) *Error {
	e := new_(KindDatabaseFailure, fmt.Sprintf("database operation failed at step %q", step))
	e.Wrapped = cause
	return e
}

func Cancelled() *Error {
	return new_(KindCancelled, "operation cancelled")
}

func Internal(format string, args ...any) *Error {
	return new_(KindInternal, fmt.Sprintf(format, args...))
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
