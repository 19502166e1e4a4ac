package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bookrill/readaloud/tts/audio"
	"github.com/bookrill/readaloud/tts/position"
	"github.com/bookrill/readaloud/tts/synth"
)

// The production client must remain usable wherever the engine expects a
// Synthesizer.
var _ Synthesizer = (*synth.Client)(nil)

// fakeSynth is a scriptable Synthesizer.
type fakeSynth struct {
	mu    sync.Mutex
	delay time.Duration
	err   error
	calls []synth.Request
}

func (f *fakeSynth) Synthesize(ctx context.Context, req synth.Request) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	err := f.err
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	return []byte("audio:" + req.Text), nil
}

func (f *fakeSynth) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSynth) requests() []synth.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]synth.Request, len(f.calls))
	copy(out, f.calls)
	return out
}

// fakeBridge records reader interactions and reports a fixed page.
type fakeBridge struct {
	mu         sync.Mutex
	anchors    []Anchor
	highlights []string
	pageIndex  int
	hasPage    bool
	pageText   string
}

func (b *fakeBridge) CurrentPageParagraphIndex() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pageIndex, b.hasPage
}

func (b *fakeBridge) CurrentPageText() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pageText, b.pageText != ""
}

func (b *fakeBridge) GoToAnchor(a Anchor) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.anchors = append(b.anchors, a)
	return true
}

func (b *fakeBridge) HighlightText(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.highlights = append(b.highlights, text)
}

func (b *fakeBridge) recordedHighlights() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.highlights))
	copy(out, b.highlights)
	return out
}

func makeParagraphs(texts ...string) []Paragraph {
	out := make([]Paragraph, len(texts))
	for i, text := range texts {
		id := fmt.Sprintf("p%04d", i)
		out[i] = Paragraph{
			ID:     id,
			Text:   text,
			Order:  i,
			Anchor: Anchor{Type: AnchorLocator, Value: id},
		}
	}
	return out
}

func newTestEngine(t *testing.T, s Synthesizer, player audio.Player, bridge ReaderBridge, autoAdvance bool) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BookID = "book"
	cfg.ChapterID = "1"
	cfg.AutoAdvance = autoAdvance
	cfg.TeardownDelay = 0
	cfg.PreloadWindow = 2
	cfg.SegmentMaxRunes = 30
	e := NewEngine(s, player, bridge, cfg, WithEngineLogger(log.New(io.Discard)))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnginePlaysParagraphsInOrder(t *testing.T) {
	s := &fakeSynth{}
	player := audio.NewMockPlayer()
	bridge := &fakeBridge{}
	e := newTestEngine(t, s, player, bridge, true)

	// One segment, then a paragraph long enough to split in two at the
	// 30-rune bound.
	e.SetParagraphs(makeParagraphs(
		"Hello there.",
		"First sentence right here. Second sentence here too.",
	))

	var mu sync.Mutex
	var focused []int
	e.OnParagraphChange(func(idx int) {
		mu.Lock()
		focused = append(focused, idx)
		mu.Unlock()
	})

	if err := e.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, 3*time.Second, "both paragraphs to finish", func() bool {
		return e.State() == StateIdle && e.SavedIndex() == 1
	})

	if player.PlayCount() != 3 {
		t.Errorf("PlayCount() = %d, want 3 (one segment plus two)", player.PlayCount())
	}
	if player.Overlapped() {
		t.Error("segments overlapped; playback must be strictly sequential")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(focused) != 2 || focused[0] != 0 || focused[1] != 1 {
		t.Errorf("paragraph focus order = %v, want [0 1]", focused)
	}

	// The reader followed along: anchor per paragraph, highlight set and
	// cleared around each.
	highlights := bridge.recordedHighlights()
	if len(highlights) < 4 || highlights[0] == "" || highlights[1] != "" {
		t.Errorf("highlights = %q, want set/clear per paragraph", highlights)
	}
}

func TestEngineAtMostOneActivePlayback(t *testing.T) {
	s := &fakeSynth{}
	player := audio.NewMockPlayer()
	player.SegmentDuration = 100 * time.Millisecond
	e := newTestEngine(t, s, player, nil, false)
	e.SetParagraphs(makeParagraphs("First paragraph.", "Second paragraph."))

	if err := e.Start(0); err != nil {
		t.Fatalf("Start(0) error = %v", err)
	}
	waitFor(t, 2*time.Second, "first paragraph to become audible", func() bool {
		return e.State() == StatePlayingSegment
	})

	// Replacing the session mid-play must tear the old one down before the
	// new one starts.
	if err := e.Start(1); err != nil {
		t.Fatalf("Start(1) error = %v", err)
	}
	waitFor(t, 2*time.Second, "second paragraph to become audible", func() bool {
		return e.State() == StatePlayingSegment && e.CurrentParagraph() == 1
	})

	if player.Overlapped() {
		t.Error("replacement session overlapped the one it replaced")
	}

	// The old session's stop must precede the new session's play.
	events := player.Events()
	lastStop, lastPlay := -1, -1
	for i, ev := range events {
		switch ev {
		case "stop":
			if lastPlay >= 0 && lastStop < lastPlay {
				lastStop = i
			}
		case "play":
			lastPlay = i
		}
	}
	if lastStop < 0 {
		t.Errorf("events = %v, want a stop between the two plays", events)
	}
}

func TestEnginePauseResume(t *testing.T) {
	s := &fakeSynth{}
	player := audio.NewMockPlayer()
	player.SegmentDuration = 300 * time.Millisecond
	e := newTestEngine(t, s, player, nil, false)
	e.SetParagraphs(makeParagraphs("A paragraph to pause."))

	if errs := e.Pause(); !errors.Is(errs, ErrInvalidState) {
		t.Errorf("Pause() while idle = %v, want ErrInvalidState", errs)
	}

	if err := e.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 2*time.Second, "playback to begin", func() bool {
		return e.State() == StatePlayingSegment
	})

	if err := e.Pause(); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if e.State() != StatePaused {
		t.Errorf("State() = %s after Pause, want paused", e.State())
	}
	if player.IsPlaying() {
		t.Error("player still audible after Pause")
	}

	if err := e.Resume(); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if e.State() != StatePlayingSegment {
		t.Errorf("State() = %s after Resume, want playing", e.State())
	}

	if err := e.Resume(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Resume() while playing = %v, want ErrInvalidState", err)
	}
}

func TestEngineStopIsSilent(t *testing.T) {
	s := &fakeSynth{delay: 100 * time.Millisecond}
	player := audio.NewMockPlayer()
	e := newTestEngine(t, s, player, nil, false)
	e.SetParagraphs(makeParagraphs("Slow paragraph."))

	var errCount int32
	var mu sync.Mutex
	e.OnError(func(*PlaybackError) {
		mu.Lock()
		errCount++
		mu.Unlock()
	})

	if err := e.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if e.State() != StateIdle {
		t.Errorf("State() = %s after Stop, want idle", e.State())
	}

	// Let the cancelled load finish; it must resolve silently.
	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if errCount != 0 {
		t.Errorf("errors surfaced = %d, want 0 for a user stop", errCount)
	}
	if player.PlayCount() != 0 {
		t.Errorf("PlayCount() = %d, want 0", player.PlayCount())
	}
	if e.SavedIndex() != -1 {
		t.Errorf("SavedIndex() = %d, want -1", e.SavedIndex())
	}
}

func TestEngineSurfacesOneErrorPerParagraph(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCause FailureCause
	}{
		{
			name:      "Auth failure",
			err:       &synth.Error{Kind: synth.KindAuth, Status: 401, Op: "synthesize", Msg: "token expired"},
			wantCause: CauseAuth,
		},
		{
			name:      "Timeout after retries",
			err:       &synth.Error{Kind: synth.KindTransient, Op: "fetch", Msg: "upstream request timeout"},
			wantCause: CauseTimeout,
		},
		{
			name:      "Server failure",
			err:       &synth.Error{Kind: synth.KindServer, Status: 500, Op: "fetch", Msg: "render failed"},
			wantCause: CauseServer,
		},
		{
			name:      "Local failure",
			err:       errors.New("decoder exploded"),
			wantCause: CauseInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSynth{err: tt.err}
			player := audio.NewMockPlayer()
			e := newTestEngine(t, s, player, nil, true)
			e.SetParagraphs(makeParagraphs("Doomed paragraph.", "Never reached."))

			var mu sync.Mutex
			var surfaced []*PlaybackError
			e.OnError(func(pe *PlaybackError) {
				mu.Lock()
				surfaced = append(surfaced, pe)
				mu.Unlock()
			})

			if err := e.Start(0); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			waitFor(t, 2*time.Second, "error to surface", func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(surfaced) > 0
			})
			// Failure must not auto-advance into the next paragraph.
			time.Sleep(50 * time.Millisecond)

			mu.Lock()
			defer mu.Unlock()
			if len(surfaced) != 1 {
				t.Fatalf("surfaced %d errors, want exactly 1", len(surfaced))
			}
			pe := surfaced[0]
			if pe.Cause != tt.wantCause {
				t.Errorf("Cause = %s, want %s", pe.Cause, tt.wantCause)
			}
			if pe.ParagraphIndex != 0 {
				t.Errorf("ParagraphIndex = %d, want 0", pe.ParagraphIndex)
			}
			if pe.Message() == "" {
				t.Error("Message() is empty")
			}
			if e.State() != StateIdle {
				t.Errorf("State() = %s after failure, want idle", e.State())
			}
		})
	}
}

func TestEngineStartValidation(t *testing.T) {
	s := &fakeSynth{}
	e := newTestEngine(t, s, audio.NewMockPlayer(), nil, false)

	if err := e.Start(0); !errors.Is(err, ErrNoParagraphs) {
		t.Errorf("Start() without paragraphs = %v, want ErrNoParagraphs", err)
	}

	e.SetParagraphs(makeParagraphs("Only one."))
	if err := e.Start(-1); !errors.Is(err, ErrParagraphIndex) {
		t.Errorf("Start(-1) = %v, want ErrParagraphIndex", err)
	}
	if err := e.Start(1); !errors.Is(err, ErrParagraphIndex) {
		t.Errorf("Start(1) = %v, want ErrParagraphIndex", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := e.Start(0); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Start() after Close = %v, want ErrEngineClosed", err)
	}
}

func TestEngineApplySettingsRestartsLiveParagraph(t *testing.T) {
	s := &fakeSynth{}
	player := audio.NewMockPlayer()
	player.SegmentDuration = 200 * time.Millisecond
	e := newTestEngine(t, s, player, nil, false)
	e.SetParagraphs(makeParagraphs("A paragraph being read."))

	if err := e.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 2*time.Second, "playback to begin", func() bool {
		return e.State() == StatePlayingSegment
	})

	newSettings := Settings{Model: "edge", Voice: "zh-CN-YunxiNeural", Speed: 1.5}
	if err := e.ApplySettings(newSettings); err != nil {
		t.Fatalf("ApplySettings() error = %v", err)
	}
	if got := e.Settings(); got != newSettings {
		t.Errorf("Settings() = %+v, want %+v", got, newSettings)
	}

	// The live paragraph restarts so the new voice takes effect.
	waitFor(t, 2*time.Second, "restart with the new voice", func() bool {
		for _, req := range s.requests() {
			if req.Voice == "zh-CN-YunxiNeural" {
				return true
			}
		}
		return false
	})
	if e.CurrentParagraph() != 0 && e.State() != StateIdle {
		t.Errorf("CurrentParagraph() = %d, want 0", e.CurrentParagraph())
	}
}

func TestEngineStartAt(t *testing.T) {
	t.Run("Renderer page index used when nothing else is known", func(t *testing.T) {
		s := &fakeSynth{}
		bridge := &fakeBridge{pageIndex: 2, hasPage: true}
		e := newTestEngine(t, s, audio.NewMockPlayer(), bridge, false)
		e.SetParagraphs(makeParagraphs("Zero.", "One.", "Two.", "Three."))

		if err := e.StartAt(position.Signals{}); err != nil {
			t.Fatalf("StartAt() error = %v", err)
		}
		waitFor(t, 2*time.Second, "page paragraph to finish", func() bool {
			return e.SavedIndex() == 2
		})
	})

	t.Run("Progress fraction beats the page index", func(t *testing.T) {
		s := &fakeSynth{}
		bridge := &fakeBridge{pageIndex: 0, hasPage: true}
		e := newTestEngine(t, s, audio.NewMockPlayer(), bridge, false)
		e.SetParagraphs(makeParagraphs("Zero.", "One.", "Two.", "Three."))

		if err := e.StartAt(position.Signals{ProgressFraction: 0.75, HasFraction: true}); err != nil {
			t.Fatalf("StartAt() error = %v", err)
		}
		waitFor(t, 2*time.Second, "fraction paragraph to finish", func() bool {
			return e.SavedIndex() == 3
		})
	})
}

func TestEngineSetParagraphsResetsState(t *testing.T) {
	s := &fakeSynth{}
	player := audio.NewMockPlayer()
	player.SegmentDuration = 200 * time.Millisecond
	e := newTestEngine(t, s, player, nil, false)
	e.SetParagraphs(makeParagraphs("Old chapter paragraph."))

	var mu sync.Mutex
	totals := []int{}
	e.OnTotalChange(func(total int) {
		mu.Lock()
		totals = append(totals, total)
		mu.Unlock()
	})

	if err := e.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 2*time.Second, "playback to begin", func() bool {
		return e.State() == StatePlayingSegment
	})

	e.SetParagraphs(makeParagraphs("New one.", "New two.", "New three."))

	if e.State() != StateIdle {
		t.Errorf("State() = %s after chapter change, want idle", e.State())
	}
	if e.SavedIndex() != -1 {
		t.Errorf("SavedIndex() = %d after chapter change, want -1", e.SavedIndex())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(totals) == 0 || totals[len(totals)-1] != 3 {
		t.Errorf("total notifications = %v, want trailing 3", totals)
	}
}

func TestEnginePreloadsAhead(t *testing.T) {
	s := &fakeSynth{}
	player := audio.NewMockPlayer()
	e := newTestEngine(t, s, player, nil, false)
	e.SetParagraphs(makeParagraphs("Current.", "Next one.", "After that.", "Beyond the window."))

	if err := e.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 2*time.Second, "paragraph to finish", func() bool {
		return e.State() == StateIdle && e.SavedIndex() == 0
	})

	// The window (2) after the finished paragraph gets preloaded, staggered.
	waitFor(t, 3*time.Second, "window preloads to run", func() bool {
		seen := map[string]bool{}
		for _, req := range s.requests() {
			seen[req.ParagraphID] = true
		}
		return seen["p0001"] && seen["p0002"]
	})

	time.Sleep(50 * time.Millisecond)
	for _, req := range s.requests() {
		if req.ParagraphID == "p0003" {
			t.Error("paragraph beyond the lookahead window was preloaded")
		}
	}
}

func TestEngineJoinsInflightPreload(t *testing.T) {
	s := &fakeSynth{delay: 150 * time.Millisecond}
	player := audio.NewMockPlayer()
	e := newTestEngine(t, s, player, nil, false)
	e.SetParagraphs(makeParagraphs("Zero.", "One.", "Two."))

	if err := e.Start(0); err != nil {
		t.Fatalf("Start(0) error = %v", err)
	}
	waitFor(t, 3*time.Second, "first paragraph to finish", func() bool {
		return e.State() == StateIdle && e.SavedIndex() == 0
	})

	// Completion tops up the window; wait until the fill for the next
	// paragraph has reached the backend and is sleeping there.
	waitFor(t, 2*time.Second, "preload fill to start", func() bool {
		for _, req := range s.requests() {
			if req.ParagraphID == "p0001" {
				return true
			}
		}
		return false
	})

	// Starting the paragraph now must join the running fill, not race it
	// with a second request for the same key.
	if err := e.Start(1); err != nil {
		t.Fatalf("Start(1) error = %v", err)
	}
	waitFor(t, 3*time.Second, "second paragraph to finish", func() bool {
		return e.State() == StateIdle && e.SavedIndex() == 1
	})

	count := 0
	for _, req := range s.requests() {
		if req.ParagraphID == "p0001" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("paragraph p0001 synthesized %d times, want 1 (same-key requests share one fetch)", count)
	}
}

func TestParagraphsFrom(t *testing.T) {
	listed := []synth.Paragraph{
		{ID: "p0", Text: "First.", Order: 0, Anchor: synth.Anchor{Type: "locator", Value: "p0"}},
		{ID: "p1", Text: "Second.", Order: 1, Anchor: synth.Anchor{Type: "scroll", Value: "40"}},
	}

	got := ParagraphsFrom(listed)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "p0" || got[0].Anchor.Type != AnchorLocator || got[0].Anchor.Value != "p0" {
		t.Errorf("ParagraphsFrom()[0] = %+v", got[0])
	}
	if got[1].Order != 1 || got[1].Anchor.Type != AnchorScroll {
		t.Errorf("ParagraphsFrom()[1] = %+v", got[1])
	}
}
