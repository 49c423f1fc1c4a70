// Package fault defines the error taxonomy shared by the processing
// pipeline and the store client. Every error that crosses a component
// boundary carries a stable Kind so callers can decide whether to retry
// without string matching.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure. The names are part of the wire contract.
type Kind string

const (
	// KindValidation is a caller or input fault. No side effects, never retried.
	KindValidation Kind = "validation"
	// KindAuthorization is a remote or inbound auth failure. Never retried.
	KindAuthorization Kind = "authorization"
	// KindRateLimited is a 429 that outlived local retries, or the inbound limiter.
	KindRateLimited Kind = "rate_limited"
	// KindTransient covers network errors, timeouts, and 5xx responses.
	KindTransient Kind = "transient"
	// KindPermanent is a semantic rejection by the remote (4xx other than 429).
	KindPermanent Kind = "permanent"
	// KindCancelled is a cooperative cancellation of in-flight work.
	KindCancelled Kind = "cancelled"
	// KindInternal is an invariant violation. Logged with context, surfaced as 500.
	KindInternal Kind = "internal"
)

// Error is a classified error with optional redacted context.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the operation.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil err returns nil.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// With attaches a context key/value pair. Values longer than 64 runes are
// truncated so offending payloads never leak whole into logs or responses.
func (e *Error) With(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = Redact(value)
	return e
}

// Redact truncates values longer than 64 runes.
func Redact(s string) string {
	r := []rune(s)
	if len(r) <= 64 {
		return s
	}
	return string(r[:61]) + "..."
}

// ErrCancelled marks cooperative cancellation of a transcript or batch.
var ErrCancelled = errors.New("operation cancelled")

// KindOf extracts the Kind from an error chain. Plain context errors map to
// KindCancelled; everything unclassified is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// IsRetryable reports whether an error chain contains a retryable fault.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return false
}

// Record is the stable wire shape for errors. Context never contains
// secrets, raw API keys, or full URLs with credentials.
type Record struct {
	Kind      string            `json:"kind"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Context   map[string]string `json:"context,omitempty"`
}

// RecordOf converts an error into its wire shape.
func RecordOf(err error) Record {
	if err == nil {
		return Record{}
	}
	var fe *Error
	if errors.As(err, &fe) {
		return Record{
			Kind:      string(fe.Kind),
			Message:   fe.Message,
			Retryable: fe.Retryable(),
			Context:   fe.Context,
		}
	}
	return Record{
		Kind:      string(KindOf(err)),
		Message:   err.Error(),
		Retryable: false,
	}
}
