// Package domain holds the core types of the turn orchestration engine.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind represents the category of an engine error.
type ErrorKind string

const (
	// KindValidation indicates a malformed event or request.
	KindValidation ErrorKind = "validation"

	// KindEnqueue indicates a work item could not be scheduled.
	KindEnqueue ErrorKind = "enqueue"

	// KindActionExecution indicates an action implementation reported failure.
	KindActionExecution ErrorKind = "action_execution"

	// KindPrerequisiteNotMet indicates a capability's prerequisites are unmet.
	KindPrerequisiteNotMet ErrorKind = "prerequisite_not_met"

	// KindModelCall indicates the upstream model call failed.
	KindModelCall ErrorKind = "model_call"

	// KindStaleTurn indicates a hop targets a superseded turn.
	KindStaleTurn ErrorKind = "stale_turn"

	// KindDuplicateStep indicates the step was already applied.
	KindDuplicateStep ErrorKind = "duplicate_step"

	// KindOutOfOrder indicates the step is not the successor of the last one.
	KindOutOfOrder ErrorKind = "out_of_order"

	// KindHopClaimed indicates another delivery is already running the step.
	KindHopClaimed ErrorKind = "hop_claimed"

	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindInternal   ErrorKind = "internal"
	KindMaxRounds  ErrorKind = "max_tool_rounds"
	KindUnresolved ErrorKind = "unknown_capability"

	// KindDeclined marks the synthetic result of a call the user refused.
	KindDeclined ErrorKind = "declined"
)

// Error is the typed error used across the engine.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so sentinels like ErrStaleTurn work
// with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// HTTPStatusCode returns the HTTP status for this error.
func (e *Error) HTTPStatusCode() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindStaleTurn, KindDuplicateStep, KindOutOfOrder, KindHopClaimed:
		return http.StatusConflict
	case KindEnqueue:
		return http.StatusServiceUnavailable
	case KindModelCall:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Details converts the error into its serializable form.
func (e *Error) Details() *ErrorDetails {
	return &ErrorDetails{Kind: e.Kind, Message: e.Error()}
}

// NewError creates a new error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError creates a new error of the given kind around cause.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinels for errors.Is checks. They match any error of the same kind.
var (
	ErrStaleTurn     = &Error{Kind: KindStaleTurn}
	ErrDuplicateStep = &Error{Kind: KindDuplicateStep}
	ErrOutOfOrder    = &Error{Kind: KindOutOfOrder}
	ErrHopClaimed    = &Error{Kind: KindHopClaimed}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrConflict      = &Error{Kind: KindConflict}
)

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// DetailsOf converts any error into ErrorDetails.
func DetailsOf(err error) *ErrorDetails {
	var e *Error
	if errors.As(err, &e) {
		return e.Details()
	}
	return &ErrorDetails{Kind: KindInternal, Message: err.Error()}
}
