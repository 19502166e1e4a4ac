package audio

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	mp3 "github.com/hajimehoshi/go-mp3"
)

// Playback errors.
var (
	ErrAlreadyPlaying = errors.New("audio is already playing")
	ErrNotPlaying     = errors.New("no audio is playing")
	ErrNotPaused      = errors.New("audio is not paused")
)

// OtoPlayer plays MP3 segment audio through the system audio device. The
// oto context is created lazily on the first Play because its sample rate
// must match the decoded stream.
type OtoPlayer struct {
	mu sync.Mutex

	ctx        *oto.Context
	sampleRate int

	player  *oto.Player
	playing bool
	paused  bool
}

// NewOtoPlayer creates an uninitialized system audio player.
func NewOtoPlayer() *OtoPlayer {
	return &OtoPlayer{}
}

// Play decodes the handle's MP3 bytes and starts playback. It blocks until
// the device has actually begun playing, then returns a channel that
// delivers the playback outcome.
func (p *OtoPlayer) Play(h *Handle) (<-chan error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.playing {
		return nil, ErrAlreadyPlaying
	}

	data, err := h.Bytes()
	if err != nil {
		return nil, err
	}

	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode mp3: %w", err)
	}

	if err := p.ensureContext(dec.SampleRate()); err != nil {
		return nil, err
	}

	player := p.ctx.NewPlayer(dec)
	player.Play()

	// Only report started once the device confirms it, so a stop that
	// lands before real playback cannot race a phantom "playing" state.
	deadline := time.Now().Add(2 * time.Second)
	for !player.IsPlaying() {
		if time.Now().After(deadline) {
			player.Close() //nolint:errcheck
			return nil, errors.New("playback did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	p.player = player
	p.playing = true
	p.paused = false

	done := make(chan error, 1)
	go p.watch(player, done)
	return done, nil
}

// watch polls the device until the segment drains, then reports completion.
func (p *OtoPlayer) watch(player *oto.Player, done chan<- error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		p.mu.Lock()
		current := p.player == player
		paused := p.paused
		p.mu.Unlock()

		if !current {
			// Stopped or replaced; the stopper owns cleanup.
			done <- ErrNotPlaying
			return
		}
		if paused {
			continue
		}
		if !player.IsPlaying() && player.BufferedSize() == 0 {
			p.mu.Lock()
			if p.player == player {
				p.player = nil
				p.playing = false
			}
			p.mu.Unlock()
			player.Close() //nolint:errcheck
			done <- nil
			return
		}
	}
}

// Pause suspends the device without releasing any resources.
func (p *OtoPlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.playing || p.player == nil {
		return ErrNotPlaying
	}
	if p.paused {
		return nil
	}
	p.player.Pause()
	p.paused = true
	return nil
}

// Resume continues a paused segment.
func (p *OtoPlayer) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.paused || p.player == nil {
		return ErrNotPaused
	}
	p.player.Play()
	p.paused = false
	return nil
}

// Stop halts playback and drops the current segment.
func (p *OtoPlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.player == nil {
		return nil
	}
	p.player.Pause()
	p.player.Close() //nolint:errcheck
	p.player = nil
	p.playing = false
	p.paused = false
	return nil
}

// IsPlaying reports whether a segment is audible right now.
func (p *OtoPlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing && !p.paused
}

// ensureContext creates the oto context on first use. Later segments with a
// different sample rate are rejected rather than resampled; the backend
// renders at a fixed rate per model.
func (p *OtoPlayer) ensureContext(sampleRate int) error {
	if p.ctx != nil {
		if p.sampleRate != sampleRate {
			return fmt.Errorf("sample rate changed mid-session: %d != %d", sampleRate, p.sampleRate)
		}
		return nil
	}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 2, // go-mp3 always decodes to stereo
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return fmt.Errorf("create audio context: %w", err)
	}
	<-ready

	p.ctx = ctx
	p.sampleRate = sampleRate
	return nil
}
