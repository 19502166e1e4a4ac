package synth

import (
	"errors"
	"fmt"
)

// Kind classifies a synthesis failure for retry and surfacing decisions.
type Kind int

const (
	// KindTransient is a retryable network or upstream-timeout failure.
	KindTransient Kind = iota
	// KindAuth means the backend rejected credentials. Never retried.
	KindAuth
	// KindServer is a non-transient backend failure. Fatal once retries
	// are exhausted.
	KindServer
	// KindInvalidInput means a required request field was missing. This is
	// a caller bug, never retried.
	KindInvalidInput
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindServer:
		return "server"
	case KindInvalidInput:
		return "invalid input"
	default:
		return "unknown"
	}
}

// Error is a classified synthesis failure.
type Error struct {
	Kind   Kind
	Status int    // HTTP status, 0 for network-level failures
	Op     string // "synthesize", "fetch", "models", "voices", "paragraphs"
	Msg    string // Server message or local description
	Err    error  // Underlying error, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("synth %s: %s: %s", e.Op, e.Kind, e.Msg)
	}
	return fmt.Sprintf("synth %s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure may succeed on another attempt.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// AsError extracts a *Error from err, if present.
func AsError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	se, ok := AsError(err)
	return ok && se.Kind == KindAuth
}

// IsTransient reports whether err is a retryable transient failure.
func IsTransient(err error) bool {
	se, ok := AsError(err)
	return ok && se.Kind == KindTransient
}
