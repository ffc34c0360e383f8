// Package apierrors defines the typed error taxonomy for the orchestration core.
// Every user-visible failure carries a stable machine-readable code, a human
// message, and structured details so callers can decide retry vs. give-up
// without parsing error strings.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeValidation        Code = "VALIDATION_FAILED"
	CodeAuthorization     Code = "AUTHORIZATION_DENIED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeSandboxNotFound   Code = "SANDBOX_NOT_FOUND"
	CodePoolNotFound      Code = "POOL_NOT_FOUND"
	CodeCheckpointMissing Code = "CHECKPOINT_NOT_FOUND"
	CodeImageNotFound     Code = "IMAGE_NOT_FOUND"
	CodeConflict          Code = "CONFLICT"
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
	CodePoolExhausted     Code = "POOL_EXHAUSTED"
	CodeBackendDown       Code = "BACKEND_UNAVAILABLE"
	CodeTimeout           Code = "TIMEOUT"
	CodeInternal          Code = "INTERNAL"
)

// Error is the structured error returned across the core's public surface.
// Details never contain secret material.
type Error struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// WithDetail attaches a single structured detail and returns the error
// for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

// WithCause records the wrapped underlying error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// HTTPStatus maps the error code to an HTTP status for the gateway.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeAuthorization:
		return http.StatusForbidden
	case CodeNotFound, CodeSandboxNotFound, CodePoolNotFound, CodeCheckpointMissing, CodeImageNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeResourceExhausted, CodePoolExhausted:
		return http.StatusTooManyRequests
	case CodeBackendDown:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Validation builds a VALIDATION_FAILED error. Never retryable.
func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Authorization builds an AUTHORIZATION_DENIED error. Never retryable.
func Authorization(format string, args ...any) *Error {
	return &Error{Code: CodeAuthorization, Message: fmt.Sprintf(format, args...)}
}

// SandboxNotFound builds a SANDBOX_NOT_FOUND error carrying the sandbox id.
func SandboxNotFound(sandboxID string) *Error {
	e := &Error{Code: CodeSandboxNotFound, Message: "sandbox not found"}
	return e.WithDetail("sandboxId", sandboxID)
}

// PoolNotFound builds a POOL_NOT_FOUND error carrying the pool id.
func PoolNotFound(poolID string) *Error {
	e := &Error{Code: CodePoolNotFound, Message: "warm pool not found"}
	return e.WithDetail("poolId", poolID)
}

// CheckpointNotFound builds a CHECKPOINT_NOT_FOUND error.
func CheckpointNotFound(checkpointID string) *Error {
	e := &Error{Code: CodeCheckpointMissing, Message: "checkpoint not found"}
	return e.WithDetail("checkpointId", checkpointID)
}

// ImageNotFound builds an IMAGE_NOT_FOUND error.
func ImageNotFound(imageRef string) *Error {
	e := &Error{Code: CodeImageNotFound, Message: "image not found"}
	return e.WithDetail("imageRef", imageRef)
}

// Conflict builds a CONFLICT error (e.g. double-terminate). Never retryable.
func Conflict(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// ResourceExhausted builds a RESOURCE_EXHAUSTED error. Retryable with backoff.
func ResourceExhausted(format string, args ...any) *Error {
	return &Error{Code: CodeResourceExhausted, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// PoolExhausted signals no Ready sandbox is available; callers fall back to a
// cold spawn rather than retrying the claim.
func PoolExhausted(poolID string) *Error {
	e := &Error{Code: CodePoolExhausted, Message: "no ready sandbox available in pool"}
	return e.WithDetail("poolId", poolID)
}

// BackendUnavailable builds a BACKEND_UNAVAILABLE error. Retryable with backoff.
func BackendUnavailable(format string, args ...any) *Error {
	return &Error{Code: CodeBackendDown, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// Timeout builds a TIMEOUT error. Retry is at the caller's discretion.
func Timeout(format string, args ...any) *Error {
	return &Error{Code: CodeTimeout, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// Internal wraps an unexpected dependency failure. Internal causes are never
// leaked raw across the API surface.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", cause: err}
}

// AsError extracts a *Error from an error chain. Unclassified errors are
// wrapped as INTERNAL so the gateway never leaks raw dependency failures.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsRetryable reports whether the caller may retry the operation.
// Context cancellation is never retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
