package audio

import (
	"sync"
	"time"
)

// MockPlayer is a scriptable Player for tests. It records every event in
// order and fails loudly if two segments are ever playing at once, which is
// how tests verify the at-most-one-active-playback invariant.
type MockPlayer struct {
	mu sync.Mutex

	// SegmentDuration is how long each "segment" plays before completing.
	SegmentDuration time.Duration

	// PlayErr, when set, is returned by the next Play call.
	PlayErr error

	playing bool
	paused  bool
	done    chan error

	events  []string
	overlap bool
}

// NewMockPlayer creates a mock player with near-instant segments.
func NewMockPlayer() *MockPlayer {
	return &MockPlayer{SegmentDuration: 5 * time.Millisecond}
}

// Play pretends to start playback and schedules completion.
func (m *MockPlayer) Play(h *Handle) (<-chan error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PlayErr != nil {
		err := m.PlayErr
		m.PlayErr = nil
		m.events = append(m.events, "play-error")
		return nil, err
	}
	if _, err := h.Bytes(); err != nil {
		return nil, err
	}
	if m.playing {
		m.overlap = true
	}

	m.playing = true
	m.paused = false
	m.events = append(m.events, "play")

	done := make(chan error, 1)
	m.done = done
	go func(d chan error) {
		time.Sleep(m.SegmentDuration)
		m.mu.Lock()
		if m.done == d {
			m.playing = false
			m.events = append(m.events, "done")
			m.mu.Unlock()
			d <- nil
			return
		}
		m.mu.Unlock()
		d <- ErrNotPlaying
	}(done)
	return done, nil
}

// Pause records a pause.
func (m *MockPlayer) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.playing {
		return ErrNotPlaying
	}
	m.paused = true
	m.events = append(m.events, "pause")
	return nil
}

// Resume records a resume.
func (m *MockPlayer) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.paused {
		return ErrNotPaused
	}
	m.paused = false
	m.events = append(m.events, "resume")
	return nil
}

// Stop halts the current segment, if any.
func (m *MockPlayer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playing = false
	m.paused = false
	m.done = nil
	m.events = append(m.events, "stop")
	return nil
}

// IsPlaying reports whether a segment is audible.
func (m *MockPlayer) IsPlaying() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing && !m.paused
}

// Events returns a copy of the recorded event log.
func (m *MockPlayer) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	copy(out, m.events)
	return out
}

// Overlapped reports whether two segments were ever playing concurrently.
func (m *MockPlayer) Overlapped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlap
}

// PlayCount returns how many segments started playing.
func (m *MockPlayer) PlayCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e == "play" {
			n++
		}
	}
	return n
}
