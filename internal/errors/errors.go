package errors

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// Kind classifies an engine error. Kinds are stable wire values: they
// appear in API responses, persisted step results, and event payloads.
type Kind string

const (
	KindBadInput            Kind = "bad_input"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindSafetyBlocked       Kind = "safety_blocked"
	KindAwaitingApproval    Kind = "awaiting_approval"
	KindCancelled           Kind = "cancelled"
	KindCapabilityTransient Kind = "capability_transient"
	KindCapabilityPermanent Kind = "capability_permanent"
	KindTimeout             Kind = "timeout"
	KindStorageUnavailable  Kind = "storage_unavailable"
	KindInternal            Kind = "internal"
)

// Error is a structured engine error carrying a kind, optional details
// and the wrapped cause.
type Error struct {
	Kind       Kind                   `json:"kind"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	StackTrace string                 `json:"stack_trace,omitempty"`
	Retryable  bool                   `json:"retryable"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetails adds a detail entry to the error.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:       kind,
		Message:    message,
		StackTrace: getStackTrace(),
		Retryable:  kindRetryable(kind),
	}
}

// Newf creates a new error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with additional context. A nil err
// returns nil. Wrapping an *Error keeps its kind and prefixes the
// message so classification survives layering.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}

	if e := new(Error); errors.As(err, &e) {
		return &Error{
			Kind:       e.Kind,
			Message:    fmt.Sprintf("%s: %s", message, e.Message),
			Details:    e.Details,
			Cause:      err,
			StackTrace: e.StackTrace,
			Retryable:  e.Retryable,
		}
	}

	return &Error{
		Kind:       kind,
		Message:    message,
		Cause:      err,
		StackTrace: getStackTrace(),
		Retryable:  kindRetryable(kind),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...interface{}) *Error {
	return Wrap(err, kind, fmt.Sprintf(format, args...))
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetryable reports whether err may be retried. Unclassified errors
// are never retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// KindOf returns err's kind, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to the status code the API returns for it.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindCancelled:
		return http.StatusConflict
	case KindSafetyBlocked:
		return http.StatusForbidden
	case KindAwaitingApproval:
		return http.StatusAccepted
	case KindCapabilityTransient, KindCapabilityPermanent:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// kindRetryable: only transient capability failures and timeouts are
// worth retrying; everything else is deterministic or needs a human.
func kindRetryable(kind Kind) bool {
	switch kind {
	case KindCapabilityTransient, KindTimeout:
		return true
	default:
		return false
	}
}

// getStackTrace captures the current stack trace.
func getStackTrace() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])

	var sb strings.Builder
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			sb.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}

	return sb.String()
}

// BadInput creates a validation error.
func BadInput(message string) *Error {
	return New(KindBadInput, message)
}

// BadInputf creates a validation error with a formatted message.
func BadInputf(format string, args ...interface{}) *Error {
	return Newf(KindBadInput, format, args...)
}

// NotFound creates a not-found error for a resource.
func NotFound(resource, id string) *Error {
	return Newf(KindNotFound, "%s %s not found", resource, id)
}

// Conflict creates a conflict error.
func Conflict(message string) *Error {
	return New(KindConflict, message)
}

// SafetyBlocked creates an error for an operation vetoed by policy.
func SafetyBlocked(message string) *Error {
	return New(KindSafetyBlocked, message)
}

// AwaitingApproval creates an error signalling a pending approval gate.
func AwaitingApproval(message string) *Error {
	return New(KindAwaitingApproval, message)
}

// Cancelled creates a cancellation error.
func Cancelled(message string) *Error {
	return New(KindCancelled, message)
}

// TransientCapability creates a retryable capability error.
func TransientCapability(capability, message string) *Error {
	return Newf(KindCapabilityTransient, "capability %s: %s", capability, message)
}

// PermanentCapability creates a non-retryable capability error.
func PermanentCapability(capability, message string) *Error {
	return Newf(KindCapabilityPermanent, "capability %s: %s", capability, message)
}

// Timeout creates a timeout error.
func Timeout(message string) *Error {
	return New(KindTimeout, message)
}

// StorageUnavailable creates a storage error.
func StorageUnavailable(message string) *Error {
	return New(KindStorageUnavailable, message)
}

// Internal creates an internal error.
func Internal(message string) *Error {
	return New(KindInternal, message)
}
