// Package audio provides playable audio handles and playback backends for
// the read-aloud engine.
package audio

import (
	"errors"
	"sync"
)

// ErrRevoked is returned when a handle's audio is used after Close.
var ErrRevoked = errors.New("audio handle has been revoked")

// Handle is a revocable reference to one segment's playable audio. The
// preload cache owns handles it has not yet handed out; once a handle is
// transferred to the playback engine the engine alone closes it. Close is
// idempotent, so the single-owner rule is about lifetime, not panic safety.
type Handle struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

// NewHandle wraps raw audio bytes in a revocable handle.
func NewHandle(data []byte) *Handle {
	return &Handle{data: data}
}

// Bytes returns the raw audio, or ErrRevoked after Close.
func (h *Handle) Bytes() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrRevoked
	}
	return h.data, nil
}

// Len returns the audio size in bytes, 0 once revoked.
func (h *Handle) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}
	return len(h.data)
}

// Close revokes the handle and releases its bytes.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.data = nil
	return nil
}

// Closed reports whether the handle has been revoked.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Player is the playback backend consumed by the engine. Play returns only
// once playback has actually begun; the returned channel delivers exactly
// one value when the segment finishes (nil) or fails.
type Player interface {
	Play(h *Handle) (<-chan error, error)
	Pause() error
	Resume() error
	Stop() error
	IsPlaying() bool
}
