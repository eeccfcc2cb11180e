package coordinator

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of error categories that can close out a
// task. Kinds travel across process boundaries inside an Envelope, so
// the set must never grow silently — a new kind changes the wire
// contract for every coordinator in the fleet.
type ErrorKind string

const (
	KindTimeout             ErrorKind = "timeout"
	KindCancelled           ErrorKind = "cancelled"
	KindHandlerFailed       ErrorKind = "handler_failed"
	KindSerializationFailed ErrorKind = "serialization_failed"
	KindCoordinatorInternal ErrorKind = "coordinator_internal"
	KindInvalidArgument     ErrorKind = "invalid_argument"
	KindNotFound            ErrorKind = "not_found"
)

// TaskError is the reconstructed form of a remote failure. The waiter
// never re-executes the original call stack; Origin carries an opaque
// trail of error text for diagnostics only.
type TaskError struct {
	Kind    ErrorKind
	Message string
	Origin  string
}

func (e *TaskError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("coordinator: %s", e.Kind)
	}
	return fmt.Sprintf("coordinator: %s: %s", e.Kind, e.Message)
}

// Is lets errors.Is match a TaskError against the sentinel of the same
// kind (ErrTimeout, ErrCancelled, ...) without comparing message text.
func (e *TaskError) Is(target error) bool {
	var sentinel *sentinelError
	if errors.As(target, &sentinel) {
		return e.Kind == sentinel.kind
	}
	return false
}

type sentinelError struct{ kind ErrorKind }

func (s *sentinelError) Error() string { return string(s.kind) }

// Sentinels for errors.Is comparisons against a *TaskError of the
// matching kind.
var (
	ErrTimeout             error = &sentinelError{KindTimeout}
	ErrCancelled           error = &sentinelError{KindCancelled}
	ErrHandlerFailed       error = &sentinelError{KindHandlerFailed}
	ErrSerializationFailed error = &sentinelError{KindSerializationFailed}
	ErrCoordinatorInternal error = &sentinelError{KindCoordinatorInternal}
	ErrInvalidArgument     error = &sentinelError{KindInvalidArgument}
	ErrNotFound            error = &sentinelError{KindNotFound}
)

// NewTaskError builds a *TaskError for the given kind.
func NewTaskError(kind ErrorKind, message string, origin ...string) *TaskError {
	te := &TaskError{Kind: kind, Message: message}
	if len(origin) > 0 {
		te.Origin = origin[0]
	}
	return te
}

// ErrAlreadyWaiting is returned when a second WaitForCompletion call is
// made for a task_id that already has an active waiter. Multiple
// concurrent waiters per task are not supported (see DESIGN.md). It is a
// *TaskError of kind InvalidArgument so callers can recover the kind via
// errors.As in addition to comparing the sentinel with errors.Is.
var ErrAlreadyWaiting error = &TaskError{
	Kind:    KindInvalidArgument,
	Message: "task already has an active waiter",
}
