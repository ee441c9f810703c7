package discussion

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures by how the caller should react.
type ErrorKind string

const (
	// KindMalformedInput marks payloads that do not match the expected
	// shape. Never retried; no job is created for them.
	KindMalformedInput ErrorKind = "malformed_input"

	// KindNotFound marks threads or comments that are genuinely absent at
	// the source. Never retried.
	KindNotFound ErrorKind = "not_found"

	// KindTransient marks rate limits, 5xx responses and timeouts.
	// Eligible for bounded backoff retry.
	KindTransient ErrorKind = "transient"

	// KindConfiguration marks operator errors (missing default output,
	// missing credentials, unknown source kind). Never retried; requires
	// operator action, not a retry.
	KindConfiguration ErrorKind = "configuration"
)

// Error is the pipeline error type. The Retryable flag it exposes is what
// the retry helper and the webhook layer consume to pick backoff behavior
// and HTTP status.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth retrying.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// Malformedf builds a non-retryable malformed-input error.
func Malformedf(format string, args ...any) *Error {
	return &Error{Kind: KindMalformedInput, Op: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a non-retryable not-found error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: fmt.Sprintf(format, args...)}
}

// Transientf builds a retryable transient error.
func Transientf(format string, args ...any) *Error {
	return &Error{Kind: KindTransient, Op: fmt.Sprintf(format, args...)}
}

// Configf builds a non-retryable configuration error.
func Configf(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Op: fmt.Sprintf(format, args...)}
}

// WrapTransient wraps err as a retryable transient error.
func WrapTransient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// KindOf extracts the error kind, defaulting unknown errors to transient so
// an unclassified dependency failure gets the benefit of a retry.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// IsRetryable reports whether err (or anything it wraps) is retryable.
// Unclassified errors count as retryable, matching KindOf.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
