// Package fault defines the error taxonomy shared by every router
// subsystem. Errors carry a Kind rather than a type hierarchy; callers
// branch on KindOf and surface {kind, message, field, hint} at the
// boundary without stack traces.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind string

const (
	// InputInvalid marks a missing or ill-typed operation argument.
	InputInvalid Kind = "InputInvalid"

	// NotFound marks a reference to an entity that does not exist.
	NotFound Kind = "NotFound"

	// PreconditionFailed marks an operation rejected by current state,
	// e.g. cancelling a terminal job or a remote call without an API key.
	PreconditionFailed Kind = "PreconditionFailed"

	// BackendTransient marks a retryable backend failure (network error,
	// 5xx, timeout).
	BackendTransient Kind = "BackendTransient"

	// BackendPermanent marks a non-retryable backend failure (auth,
	// invalid request, context length, model not found, content filter).
	BackendPermanent Kind = "BackendPermanent"

	// DependencyUnavailable marks a missing runtime prerequisite; the
	// affected component degrades to a no-op.
	DependencyUnavailable Kind = "DependencyUnavailable"

	// NoSuitableModel marks a routing decision that found no candidate
	// whose context window covers the task.
	NoSuitableModel Kind = "NoSuitableModel"

	// Internal marks an invariant violation in a core component. It
	// fails the current job but never the process.
	Internal Kind = "Internal"
)

// Error is the structured error crossing subsystem boundaries.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Hint    string `json:"hint,omitempty"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %q)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message, preserving the cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Invalid reports an invalid operation argument, naming the field.
func Invalid(field, format string, args ...any) *Error {
	return &Error{Kind: InputInvalid, Message: fmt.Sprintf(format, args...), Field: field}
}

// WithHint attaches a remediation hint and returns the error.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// KindOf returns the Kind of err, or Internal for unclassified errors.
// A nil err has no kind; callers must check for nil first.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err should be retried by a backend client.
func Retryable(err error) bool {
	return IsKind(err, BackendTransient)
}
