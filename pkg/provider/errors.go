package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies upstream failures. Callers branch on the kind;
// the message stays short and non-sensitive.
type ErrorKind int

const (
	ErrOther ErrorKind = iota
	ErrRateLimit
	ErrUnauthorized
	ErrForbidden
	ErrNotFound
	ErrConflict
	ErrTransient
)

// Error is a typed upstream failure.
type Error struct {
	Kind    ErrorKind
	Message string
	// ResetAt is set for rate-limit errors: when the upstream window opens
	// again. Mutating calls are never retried transparently.
	ResetAt time.Time
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("provider: %s: %v", e.Message, e.cause)
	}
	return "provider: " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a typed provider error.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// RateLimitError signals the upstream's rate limit with its reset time.
func RateLimitError(resetAt time.Time, cause error) *Error {
	return &Error{Kind: ErrRateLimit, Message: "upstream rate limit exceeded", ResetAt: resetAt, cause: cause}
}

// KindOf extracts the kind from any error; untyped errors are ErrOther.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrOther
}
