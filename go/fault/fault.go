// Package fault carries the typed error kinds shared by the skill layer,
// the task worker, and every protocol adapter. Adapters translate a kind
// into its wire representation (JSON-RPC code or HTTP status); the skill
// layer only ever raises kinds, never wire codes.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for wire translation.
type Kind string

const (
	InvalidArgument   Kind = "invalid-argument"
	NotFound          Kind = "not-found"
	InvalidTransition Kind = "invalid-transition"
	Unauthenticated   Kind = "unauthenticated"
	PaymentRequired   Kind = "payment-required"
	RateLimited       Kind = "rate-limited"
	UpstreamTimeout   Kind = "upstream-timeout"
	UpstreamFailure   Kind = "upstream-failure"
	NotRoutable       Kind = "not-routable"
	Internal          Kind = "internal"
)

// Error is a classified error. RetryAfter is set only for RateLimited.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of |kind| with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of |kind| wrapping |cause|.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Ratelimited builds a RateLimited error carrying the retry hint.
func Ratelimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       RateLimited,
		Message:    fmt.Sprintf("rate limit exceeded, retry after %s", retryAfter),
		RetryAfter: retryAfter,
	}
}

// KindOf returns the Kind of |err|, or Internal when it carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether |err| carries |kind|.
func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// RetryAfterOf returns the retry hint of a RateLimited error, or zero.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}
