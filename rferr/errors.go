// Package rferr defines the error taxonomy shared across the orchestration
// backend. Every error that crosses a package boundary carries a Kind so that
// the HTTP layer can map it to a status code and the action runner can decide
// whether a retry is worthwhile.
package rferr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for surfacing and retry decisions.
type Kind string

const (
	// KindValidation marks schema rejections, unknown components and other
	// caller mistakes. Never retried; surfaces as 400.
	KindValidation Kind = "ValidationError"
	// KindAuthentication marks missing or invalid credentials. Surfaces as 401.
	KindAuthentication Kind = "AuthenticationError"
	// KindAuthorization marks valid credentials lacking access. Surfaces as 403.
	KindAuthorization Kind = "AuthorizationError"
	// KindNotFound marks a missing resource. Surfaces as 404.
	KindNotFound Kind = "NotFoundError"
	// KindConflict marks state conflicts such as an already-resolved approval.
	// Surfaces as 409.
	KindConflict Kind = "ConflictError"
	// KindConfiguration marks a missing capability or environment value.
	// Surfaces as 500 and is never retried.
	KindConfiguration Kind = "ConfigurationError"
	// KindDependency marks a transient failure of an external collaborator.
	// Retryable.
	KindDependency Kind = "DependencyError"
	// KindContainer marks a container runner failure. Retry depends on exit
	// code and captured stdout.
	KindContainer Kind = "ContainerError"
	// KindTimeout marks an expired deadline. Retryable up to policy limits.
	KindTimeout Kind = "TimeoutError"
	// KindCancelled marks an externally cancelled operation. Terminal.
	KindCancelled Kind = "CancelledError"
)

// Error is the concrete error type used across the backend. Fields carries
// structured details (node ids, config keys, exit codes) for diagnostics and
// API responses; Fields values must be JSON serializable.
type Error struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	cause   error
}

// New builds an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind that wraps cause.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// WithField returns the error with an additional structured detail attached.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the Kind of err, walking the wrap chain. Errors that do not
// carry a Kind report KindDependency: unknown failures from collaborators are
// treated as transient so the retry policy gets a chance to recover them.
func KindOf(err error) Kind {
	var rfe *Error
	if errors.As(err, &rfe) {
		return rfe.Kind
	}
	return KindDependency
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether an error of this kind may be retried by the
// action runner. Container errors are decided separately by the runner since
// retry depends on the exit code and captured output.
func Retryable(kind Kind) bool {
	switch kind {
	case KindDependency, KindTimeout, KindContainer:
		return true
	default:
		return false
	}
}
