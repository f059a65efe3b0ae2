package domain

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrorKind tags every error crossing a component boundary so callers can map
// it to transport-specific codes without string matching.
type ErrorKind string

const (
	// KindNotFound marks a missing KB, document, chunk, or blob.
	KindNotFound ErrorKind = "not_found"
	// KindPreconditionFailed marks a rejected conditional update. It is
	// recovered locally by the coordinator's retry loop and surfaces only
	// after exhaustion as KindConcurrencyExhausted.
	KindPreconditionFailed ErrorKind = "precondition_failed"
	// KindInvalidInput marks bad requests, dimension mismatches, unsupported
	// formats, and empty documents. Never retried.
	KindInvalidInput ErrorKind = "invalid_input"
	// KindThrottled marks rate-limited calls, retried with backoff.
	KindThrottled ErrorKind = "throttled"
	// KindTransient marks temporary infrastructure failures, retried with
	// backoff up to a bounded budget.
	KindTransient ErrorKind = "transient"
	// KindModelUnavailable surfaces after the model gateway's retry budget.
	KindModelUnavailable ErrorKind = "model_unavailable"
	// KindIndexUnavailable marks a torn index read that persisted through the
	// single in-band reload.
	KindIndexUnavailable ErrorKind = "index_unavailable"
	// KindConcurrencyExhausted surfaces when the merge protocol loses the
	// conditional update on every attempt.
	KindConcurrencyExhausted ErrorKind = "concurrency_exhausted"
	// KindFatal marks unexpected internal errors.
	KindFatal ErrorKind = "fatal"
	// KindTimeout marks an exceeded request or job deadline.
	KindTimeout ErrorKind = "timeout"
)

// Error is the taxonomy-tagged error type shared by all components.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two taxonomy errors on Kind, so errors.Is can test against a
// bare &Error{Kind: ...} probe.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// NotFound builds a KindNotFound error.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// PreconditionFailed builds a KindPreconditionFailed error.
func PreconditionFailed(message string) *Error {
	return &Error{Kind: KindPreconditionFailed, Message: message}
}

// InvalidInput builds a KindInvalidInput error.
func InvalidInput(message string) *Error {
	return &Error{Kind: KindInvalidInput, Message: message}
}

// Throttled builds a KindThrottled error.
func Throttled(message string) *Error {
	return &Error{Kind: KindThrottled, Message: message}
}

// Transient builds a KindTransient error.
func Transient(message string) *Error {
	return &Error{Kind: KindTransient, Message: message}
}

// ModelUnavailable builds a KindModelUnavailable error.
func ModelUnavailable(message string) *Error {
	return &Error{Kind: KindModelUnavailable, Message: message}
}

// IndexUnavailable builds a KindIndexUnavailable error.
func IndexUnavailable(message string) *Error {
	return &Error{Kind: KindIndexUnavailable, Message: message}
}

// ConcurrencyExhausted builds a KindConcurrencyExhausted error.
func ConcurrencyExhausted(message string) *Error {
	return &Error{Kind: KindConcurrencyExhausted, Message: message}
}

// Fatal builds a KindFatal error.
func Fatal(message string) *Error {
	return &Error{Kind: KindFatal, Message: message}
}

// Timeout builds a KindTimeout error.
func Timeout(message string) *Error {
	return &Error{Kind: KindTimeout, Message: message}
}

// WrapError tags an underlying error with a kind, preserving the chain for
// errors.Is / errors.As.
func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the taxonomy kind from anywhere in an error chain,
// returning KindFatal for untagged errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether an error kind is recoverable by backing off and
// trying again.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindThrottled, KindTransient, KindPreconditionFailed:
		return true
	default:
		return false
	}
}

// maxErrorMessageLen bounds error text persisted to metadata rows.
const maxErrorMessageLen = 1024

// TruncateErrorMessage clips err's text to the persistable bound, backing up
// to a rune boundary so the result stays valid UTF-8.
func TruncateErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= maxErrorMessageLen {
		return msg
	}
	cut := maxErrorMessageLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
