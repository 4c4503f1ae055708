package orschedule

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrorKind classifies engine errors.
type ErrorKind string

const (
	KindValidation        ErrorKind = "VALIDATION"
	KindNotFound          ErrorKind = "NOT_FOUND"
	KindConflict          ErrorKind = "CONFLICT"
	KindStaleSchedule     ErrorKind = "STALE_SCHEDULE"
	KindInvalidTransition ErrorKind = "INVALID_TRANSITION"
)

// Error is the single error type returned by the engine. Match on kind with
// errors.Is against the sentinels below, or use errors.As for details.
type Error struct {
	Kind    ErrorKind
	Message string
	// Resource names the contended resource for conflicts, e.g. "surgeon:<id>".
	Resource string
	// ConflictingIDs lists the cases (or blocks) the request collided with.
	ConflictingIDs []uuid.UUID
	Err            error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind when the target carries no message,
// so errors.Is(err, ErrConflict) works for every conflict.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrStaleSchedule     = &Error{Kind: KindStaleSchedule}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
)

func NewValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NewNotFoundError(entity string, id uuid.UUID) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

func NewConflictError(resource string, ids []uuid.UUID) *Error {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return &Error{
		Kind:           KindConflict,
		Message:        fmt.Sprintf("%s is already booked by %s", resource, strings.Join(parts, ", ")),
		Resource:       resource,
		ConflictingIDs: ids,
	}
}

func NewStaleScheduleError(format string, args ...any) *Error {
	return &Error{Kind: KindStaleSchedule, Message: fmt.Sprintf(format, args...)}
}

func NewInvalidTransitionError(from, to Status) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("cannot transition case from %s to %s", from, to),
	}
}

// KindOf returns the kind of an engine error, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
