package task

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind classifies an error for propagation and transport mapping.
type Kind string

const (
	KindNotFound    Kind = "NOT_FOUND"
	KindValidation  Kind = "VALIDATION"
	KindConflict    Kind = "CONFLICT"
	KindRateLimited Kind = "RATE_LIMITED"
	KindTransport   Kind = "TRANSPORT"
	KindInternal    Kind = "INTERNAL"
)

// Error is the typed error raised by adapters and stores.
type Error struct {
	Kind       Kind
	Message    string
	Fields     map[string]string // field-level detail for VALIDATION
	RetryAfter time.Duration     // set for RATE_LIMITED
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(string(e.Kind)))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s: %s", k, e.Fields[k])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err. Errors that carry no kind are INTERNAL.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// IsKind reports whether err is of the given kind.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// IsTransport reports whether err is a connectivity failure.
func IsTransport(err error) bool { return IsKind(err, KindTransport) }

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// NotFound builds a NOT_FOUND error.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Invalid builds a VALIDATION error with per-field detail.
func Invalid(msg string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Fields: fields}
}

// Conflict builds a CONFLICT error.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// RateLimited builds a RATE_LIMITED error.
func RateLimited(msg string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: msg, RetryAfter: retryAfter}
}

// Transport wraps a connectivity failure.
func Transport(err error) *Error {
	return &Error{Kind: KindTransport, Message: "remote unavailable", Err: err}
}

// Internal wraps an unexpected storage failure.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Err: err}
}
