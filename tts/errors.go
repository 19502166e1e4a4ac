package tts

import (
	"errors"
	"fmt"
)

// Common errors for the playback engine.
var (
	ErrNoParagraphs   = errors.New("no paragraphs loaded")
	ErrParagraphIndex = errors.New("paragraph index out of range")
	ErrInvalidState   = errors.New("invalid state for operation")
	ErrEngineClosed   = errors.New("engine has been closed")

	// ErrCancelled marks an async load whose session or loading marker was
	// torn down before it completed. It is resolved silently and never
	// surfaced to the user.
	ErrCancelled = errors.New("playback load cancelled")
)

// FailureCause classifies a surfaced playback failure so the host can show
// the right message.
type FailureCause int

const (
	// CauseTimeout is a transient network/upstream timeout that survived
	// all retries.
	CauseTimeout FailureCause = iota
	// CauseAuth means the backend rejected our credentials; the user must
	// log in again.
	CauseAuth
	// CauseServer is any other backend failure after retries.
	CauseServer
	// CauseInternal is a local failure (player, decoder).
	CauseInternal
)

// String returns the cause name.
func (c FailureCause) String() string {
	switch c {
	case CauseTimeout:
		return "timeout"
	case CauseAuth:
		return "auth"
	case CauseServer:
		return "server"
	case CauseInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// PlaybackError is the single user-visible error emitted per failed
// paragraph. The failing segment is recorded so logs can pinpoint it, but
// only one message is surfaced per paragraph.
type PlaybackError struct {
	Cause          FailureCause
	ParagraphIndex int
	SegmentIndex   int
	Err            error
}

// Error implements the error interface.
func (e *PlaybackError) Error() string {
	return fmt.Sprintf("paragraph %d segment %d: %s: %v",
		e.ParagraphIndex, e.SegmentIndex, e.Cause, e.Err)
}

// Unwrap returns the underlying error.
func (e *PlaybackError) Unwrap() error { return e.Err }

// Message returns the user-facing message for the failure cause.
func (e *PlaybackError) Message() string {
	switch e.Cause {
	case CauseTimeout:
		return "connection timeout, check network"
	case CauseAuth:
		return "please log in again"
	default:
		if e.Err != nil {
			return e.Err.Error()
		}
		return "playback failed"
	}
}
