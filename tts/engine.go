package tts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bookrill/readaloud/internal/cache"
	"github.com/bookrill/readaloud/tts/audio"
	"github.com/bookrill/readaloud/tts/position"
	"github.com/bookrill/readaloud/tts/segment"
	"github.com/bookrill/readaloud/tts/synth"
)

// Engine is the playback sequencer. It owns what is audible right now,
// advances through segments and paragraphs, keeps the preload window
// filled, and reconciles positions with the host reader. At most one
// playback session is ever live; starting a new one tears the previous one
// down synchronously first.
type Engine struct {
	mu sync.Mutex

	cfg    Config
	synth  Synthesizer
	player audio.Player
	bridge ReaderBridge

	preload *cache.Preload
	disk    *cache.Disk
	recon   *position.Reconciler
	machine *StateMachine
	logger  *log.Logger

	paragraphs []Paragraph

	// session is the single live playback session, nil when idle. The
	// monotonically increasing sequence number is compared at every async
	// resume point; a mismatch means the callback is stale and must no-op.
	session    *playSession
	sessionSeq uint64

	// loading registers paragraph ids currently being prepared. It doubles
	// as the cancellation signal: in-flight loads re-check it before
	// acting on their results.
	loading map[string]struct{}

	// savedIndex is the last paragraph we finished or were asked to save,
	// -1 before any playback.
	savedIndex int

	closed bool

	onState     func(StateType)
	onParagraph func(int)
	onTotal     func(int)
	onError     func(*PlaybackError)
}

// playSession is one paragraph's playback run.
type playSession struct {
	id             uint64
	paragraphIndex int
	segments       []string
	segmentIndex   int
	ctx            context.Context
	cancel         context.CancelFunc
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithDiskCache attaches a persistent audio cache consulted before the
// network.
func WithDiskCache(d *cache.Disk) EngineOption {
	return func(e *Engine) { e.disk = d }
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l *log.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a playback engine. The bridge may be nil; every bridge
// capability is optional.
func NewEngine(s Synthesizer, player audio.Player, bridge ReaderBridge, cfg Config, opts ...EngineOption) *Engine {
	if cfg.SegmentMaxRunes <= 0 {
		cfg.SegmentMaxRunes = segment.DefaultMaxRunes
	}
	e := &Engine{
		cfg:        cfg,
		synth:      s,
		player:     player,
		bridge:     bridge,
		machine:    NewStateMachine(),
		logger:     log.WithPrefix("tts"),
		loading:    make(map[string]struct{}),
		savedIndex: -1,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.preload = cache.NewPreload(cfg.PreloadWindow, e.logger.WithPrefix("tts.cache"))
	e.recon = position.NewReconciler(nil)
	return e
}

// SetParagraphs installs the chapter's ordered paragraph list. Any live
// session is torn down; callers load a new list per (book, chapter).
func (e *Engine) SetParagraphs(paragraphs []Paragraph) {
	e.mu.Lock()
	e.teardownLocked()
	e.paragraphs = paragraphs
	e.savedIndex = -1
	texts := make([]string, len(paragraphs))
	for i, p := range paragraphs {
		texts[i] = p.Text
	}
	e.recon.SetParagraphs(texts)
	total := len(paragraphs)
	notify := e.onTotal
	e.mu.Unlock()

	e.preload.EvictAll()
	if notify != nil {
		notify(total)
	}
}

// Paragraphs returns the installed paragraph list.
func (e *Engine) Paragraphs() []Paragraph {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paragraphs
}

// State returns the current playback state.
func (e *Engine) State() StateType {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.Current()
}

// CurrentParagraph returns the live session's paragraph index, or -1.
func (e *Engine) CurrentParagraph() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return -1
	}
	return e.session.paragraphIndex
}

// OnStateChange registers a callback for state transitions.
func (e *Engine) OnStateChange(fn func(StateType)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onState = fn
}

// OnParagraphChange registers a callback for paragraph focus changes.
func (e *Engine) OnParagraphChange(fn func(int)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onParagraph = fn
}

// OnTotalChange registers a callback for paragraph-count changes.
func (e *Engine) OnTotalChange(fn func(int)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTotal = fn
}

// OnError registers a callback for surfaced playback errors. Exactly one
// error is surfaced per failed paragraph.
func (e *Engine) OnError(fn func(*PlaybackError)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = fn
}

// Start begins playback at the given paragraph. Any live session for a
// different paragraph is torn down synchronously before the new one
// acquires resources.
func (e *Engine) Start(paragraphIndex int) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if len(e.paragraphs) == 0 {
		e.mu.Unlock()
		return ErrNoParagraphs
	}
	if paragraphIndex < 0 || paragraphIndex >= len(e.paragraphs) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrParagraphIndex, paragraphIndex)
	}

	e.teardownLocked()

	p := e.paragraphs[paragraphIndex]
	segments := segment.Split(p.Text, e.cfg.SegmentMaxRunes)
	if len(segments) == 0 {
		e.mu.Unlock()
		return fmt.Errorf("paragraph %d has no speakable text", paragraphIndex)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.sessionSeq++
	s := &playSession{
		id:             e.sessionSeq,
		paragraphIndex: paragraphIndex,
		segments:       segments,
		ctx:            ctx,
		cancel:         cancel,
	}
	e.session = s
	e.loading[p.ID] = struct{}{}
	e.transitionLocked(StateLoadingSegment)
	e.mu.Unlock()

	e.logger.Debug("starting paragraph",
		"index", paragraphIndex, "id", p.ID, "segments", len(segments))

	go e.run(s, p)
	return nil
}

// StartAt resolves the target paragraph from position signals and starts
// there.
func (e *Engine) StartAt(signals position.Signals) error {
	e.mu.Lock()
	signals.Previous = e.savedIndex
	if !signals.HasPage && e.bridge != nil {
		if idx, ok := e.bridge.CurrentPageParagraphIndex(); ok {
			signals.PageIndex = idx
			signals.HasPage = true
		}
	}
	if signals.PageText == "" && e.bridge != nil {
		if text, ok := e.bridge.CurrentPageText(); ok {
			signals.PageText = text
		}
	}
	count := len(e.paragraphs)
	e.mu.Unlock()

	return e.Start(e.recon.Resolve(signals, count))
}

// Stop halts audio immediately, revokes the session's resources, clears
// all loading markers, and returns the engine to Idle.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
	return nil
}

// Pause suspends the transport. Cached and loaded resources are kept; this
// is not a teardown.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.machine.Current() != StatePlayingSegment {
		return fmt.Errorf("%w: pause in %s", ErrInvalidState, e.machine.Current())
	}
	if err := e.player.Pause(); err != nil {
		return err
	}
	e.transitionLocked(StatePaused)
	return nil
}

// Resume continues a paused session.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.machine.Current() != StatePaused {
		return fmt.Errorf("%w: resume in %s", ErrInvalidState, e.machine.Current())
	}
	if err := e.player.Resume(); err != nil {
		return err
	}
	e.transitionLocked(StatePlayingSegment)
	return nil
}

// ApplySettings replaces the synthesis settings. The cache key space
// changes with them, so all cached audio is evicted; a live session is
// restarted at its paragraph so the new voice takes effect immediately.
func (e *Engine) ApplySettings(s Settings) error {
	e.mu.Lock()
	e.cfg.Settings = s
	restart := -1
	if e.session != nil {
		restart = e.session.paragraphIndex
	}
	e.mu.Unlock()

	// Disk entries keep their old keys; they become unreachable and age
	// out through the LRU cap, so only the in-memory handles need
	// explicit revocation.
	e.preload.EvictAll()

	if restart >= 0 {
		return e.Start(restart)
	}
	return nil
}

// Settings returns the live synthesis settings.
func (e *Engine) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Settings
}

// SaveIndex records a discrete paragraph index, e.g. from host persistence.
func (e *Engine) SaveIndex(idx int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.savedIndex = idx
}

// SavedIndex returns the last saved or completed paragraph index, -1 if
// none.
func (e *Engine) SavedIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.savedIndex
}

// Close tears down the engine permanently.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.teardownLocked()
	e.closed = true
	e.mu.Unlock()

	e.preload.EvictAll()
	return nil
}

// run drives one paragraph session: per segment, cache hit or on-demand
// synthesis, then playback, strictly in order.
func (e *Engine) run(s *playSession, p Paragraph) {
	key := KeyFor(p, e.settings()).String()

	// A preload hit transfers ownership of all segment handles to this
	// session in one step. On a miss, a fill for the same key may be
	// mid-flight; join it rather than issuing a duplicate backend request.
	var handles []*audio.Handle
	entry, ok := e.preload.Take(key)
	if !ok {
		if done, busy := e.preload.Join(key); busy {
			select {
			case <-done:
			case <-s.ctx.Done():
				return
			}
		}
		entry, ok = e.preload.Take(key)
	}
	if ok {
		if len(entry.Handles) == len(s.segments) {
			handles = entry.Handles
		} else {
			// Segmentation bound changed since the preload; discard.
			entry.Close()
		}
	}
	closeRemaining := func(from int) {
		for i := from; i < len(handles); i++ {
			handles[i].Close() //nolint:errcheck
		}
	}

	if e.bridge != nil {
		e.bridge.GoToAnchor(p.Anchor)
		e.bridge.HighlightText(p.Text)
	}

	for i := range s.segments {
		if !e.current(s, p.ID) {
			closeRemaining(i)
			return
		}

		var h *audio.Handle
		if handles != nil {
			h = handles[i]
		} else {
			e.transitionFor(s, StateLoadingSegment)
			data, err := e.loadSegment(s.ctx, p, s.segments[i], i)
			if err != nil {
				if errors.Is(err, ErrCancelled) {
					return
				}
				e.fail(s, i, err)
				return
			}
			h = audio.NewHandle(data)
		}

		if !e.current(s, p.ID) {
			h.Close() //nolint:errcheck
			closeRemaining(i + 1)
			return
		}

		done, err := e.player.Play(h)
		if err != nil {
			h.Close() //nolint:errcheck
			closeRemaining(i + 1)
			e.fail(s, i, err)
			return
		}

		// The player has confirmed playback began; only now is the state
		// allowed to become playing.
		if !e.transitionFor(s, StatePlayingSegment) {
			e.player.Stop() //nolint:errcheck
			h.Close()       //nolint:errcheck
			closeRemaining(i + 1)
			return
		}
		if i == 0 {
			e.notifyParagraph(s.paragraphIndex)
		}

		select {
		case playErr := <-done:
			h.Close() //nolint:errcheck
			if playErr != nil {
				// The player was stopped out from under us; the stopper
				// already owns state.
				closeRemaining(i + 1)
				return
			}
		case <-s.ctx.Done():
			h.Close() //nolint:errcheck
			closeRemaining(i + 1)
			return
		}

		e.mu.Lock()
		if e.session == s {
			s.segmentIndex = i + 1
		}
		e.mu.Unlock()
	}

	e.completeParagraph(s, p)
}

// completeParagraph finishes a session whose segments all played: reading
// focus ends, the preload window is topped up, and auto-advance recurses
// into the next paragraph.
func (e *Engine) completeParagraph(s *playSession, p Paragraph) {
	e.mu.Lock()
	if e.session != s {
		e.mu.Unlock()
		return
	}
	e.session = nil
	delete(e.loading, p.ID)
	e.savedIndex = s.paragraphIndex
	autoAdvance := e.cfg.AutoAdvance
	next := s.paragraphIndex + 1
	hasNext := next < len(e.paragraphs)
	e.mu.Unlock()

	if e.bridge != nil {
		e.bridge.HighlightText("")
	}
	e.scheduleAhead(s.paragraphIndex)

	if autoAdvance && hasNext {
		target := e.recon.Resolve(position.Signals{
			SavedIndex: next,
			HasSaved:   true,
			Previous:   s.paragraphIndex,
		}, e.paragraphCount())
		if err := e.Start(target); err != nil {
			e.logger.Warn("auto-advance failed", "target", target, "err", err)
			e.toIdle()
		}
		return
	}
	e.toIdle()
}

// loadSegment obtains one segment's audio bytes: disk cache first, then the
// synthesis client. Cancellation is detected through the loading registry
// and the session context, and reported as ErrCancelled.
func (e *Engine) loadSegment(ctx context.Context, p Paragraph, text string, idx int) ([]byte, error) {
	settings := e.settings()
	diskKey := KeyFor(p, settings).String() + "#" + strconv.Itoa(idx)

	if e.disk != nil {
		if data, ok := e.disk.Get(diskKey); ok {
			e.logger.Debug("disk cache hit", "paragraph", p.ID, "segment", idx)
			return data, nil
		}
	}

	data, err := e.synth.Synthesize(ctx, synth.Request{
		BookID:      e.cfg.BookID,
		ChapterID:   e.cfg.ChapterID,
		ParagraphID: p.ID,
		Text:        text,
		Model:       settings.Model,
		Voice:       settings.Voice,
		Speed:       settings.Speed,
		RoleMode:    settings.RoleMode,
	})
	if err != nil {
		if ctx.Err() != nil || !e.isLoading(p.ID) {
			return nil, ErrCancelled
		}
		return nil, err
	}

	// The fetch may have completed after a stop; re-check the registry
	// before acting on the result.
	if ctx.Err() != nil || !e.isLoading(p.ID) {
		return nil, ErrCancelled
	}

	if e.disk != nil {
		if err := e.disk.Put(diskKey, data); err != nil {
			e.logger.Warn("disk cache write failed", "err", err)
		}
	}
	return data, nil
}

// scheduleAhead queues preloads for the lookahead window after the given
// paragraph.
func (e *Engine) scheduleAhead(after int) {
	e.mu.Lock()
	settings := e.cfg.Settings
	window := e.preload.Window()

	byKey := make(map[string]Paragraph)
	var keys []string
	for i := after + 1; i <= after+window && i < len(e.paragraphs); i++ {
		p := e.paragraphs[i]
		key := KeyFor(p, settings).String()
		byKey[key] = p
		keys = append(keys, key)
	}
	e.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	e.preload.ScheduleAhead(context.Background(), keys, func(ctx context.Context, key string) ([]*audio.Handle, error) {
		p := byKey[key]
		segments := segment.Split(p.Text, e.segmentMaxRunes())
		handles := make([]*audio.Handle, 0, len(segments))
		for i, text := range segments {
			data, err := e.preloadSegment(ctx, p, text, i)
			if err != nil {
				for _, h := range handles {
					h.Close() //nolint:errcheck
				}
				return nil, err
			}
			handles = append(handles, audio.NewHandle(data))
		}
		return handles, nil
	})
}

// preloadSegment is the preload path's segment fetch. Unlike loadSegment it
// is not tied to a session; failures bubble to the cache, which logs and
// drops them without touching playback.
func (e *Engine) preloadSegment(ctx context.Context, p Paragraph, text string, idx int) ([]byte, error) {
	settings := e.settings()
	diskKey := KeyFor(p, settings).String() + "#" + strconv.Itoa(idx)

	if e.disk != nil {
		if data, ok := e.disk.Get(diskKey); ok {
			return data, nil
		}
	}
	data, err := e.synth.Synthesize(ctx, synth.Request{
		BookID:      e.cfg.BookID,
		ChapterID:   e.cfg.ChapterID,
		ParagraphID: p.ID,
		Text:        text,
		Model:       settings.Model,
		Voice:       settings.Voice,
		Speed:       settings.Speed,
		RoleMode:    settings.RoleMode,
	})
	if err != nil {
		return nil, err
	}
	if e.disk != nil {
		if err := e.disk.Put(diskKey, data); err != nil {
			e.logger.Warn("disk cache write failed", "err", err)
		}
	}
	return data, nil
}

// fail surfaces exactly one classified error for the paragraph, aborts the
// rest of its segments, and returns the engine to Idle.
func (e *Engine) fail(s *playSession, segmentIndex int, err error) {
	cause := CauseInternal
	if se, ok := synth.AsError(err); ok {
		switch se.Kind {
		case synth.KindAuth:
			cause = CauseAuth
		case synth.KindTransient:
			cause = CauseTimeout
		default:
			cause = CauseServer
		}
	}
	pbErr := &PlaybackError{
		Cause:          cause,
		ParagraphIndex: s.paragraphIndex,
		SegmentIndex:   segmentIndex,
		Err:            err,
	}

	e.mu.Lock()
	if e.session != s {
		e.mu.Unlock()
		return
	}
	e.session = nil
	for id := range e.loading {
		delete(e.loading, id)
	}
	e.player.Stop() //nolint:errcheck
	e.machine.Transition(StateStopped)
	e.machine.Transition(StateIdle)
	notifyState := e.onState
	notifyErr := e.onError
	e.mu.Unlock()

	e.logger.Error("paragraph playback failed",
		"paragraph", s.paragraphIndex, "segment", segmentIndex,
		"cause", cause, "err", err)

	if notifyState != nil {
		notifyState(StateIdle)
	}
	if notifyErr != nil {
		notifyErr(pbErr)
	}
}

// teardownLocked stops audio, cancels the session, clears every loading
// marker, and settles in Idle. A short delay lets the audio device finish
// releasing before a successor session acquires it. Caller holds e.mu.
func (e *Engine) teardownLocked() {
	hadSession := e.session != nil
	if e.session != nil {
		e.session.cancel()
		e.session = nil
	}
	for id := range e.loading {
		delete(e.loading, id)
	}
	e.player.Stop() //nolint:errcheck

	if e.machine.Current() != StateIdle {
		e.machine.Transition(StateStopped)
		if e.onState != nil {
			e.onState(StateStopped)
		}
		if hadSession && e.cfg.TeardownDelay > 0 {
			time.Sleep(e.cfg.TeardownDelay)
		}
		e.machine.Transition(StateIdle)
		if e.onState != nil {
			e.onState(StateIdle)
		}
	}
}

// toIdle settles a completed (not failed, not stopped) engine in Idle.
func (e *Engine) toIdle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.machine.Current() == StateIdle {
		return
	}
	e.machine.Transition(StateStopped)
	e.machine.Transition(StateIdle)
	if e.onState != nil {
		e.onState(StateIdle)
	}
}

// current reports whether the session is still live and its paragraph is
// still registered as loading or playing. Async callbacks exit quietly
// when this is false.
func (e *Engine) current(s *playSession, paragraphID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil || e.session.id != s.id {
		return false
	}
	_, ok := e.loading[paragraphID]
	return ok
}

func (e *Engine) isLoading(paragraphID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.loading[paragraphID]
	return ok
}

// transitionFor performs a state transition on behalf of a session,
// refusing if the session is no longer live.
func (e *Engine) transitionFor(s *playSession, to StateType) bool {
	e.mu.Lock()
	if e.session == nil || e.session.id != s.id {
		e.mu.Unlock()
		return false
	}
	ok := e.machine.Transition(to)
	notify := e.onState
	e.mu.Unlock()

	if ok && notify != nil {
		notify(to)
	}
	return ok
}

// transitionLocked transitions and notifies. Caller holds e.mu.
func (e *Engine) transitionLocked(to StateType) {
	if e.machine.Transition(to) && e.onState != nil {
		e.onState(to)
	}
}

func (e *Engine) notifyParagraph(idx int) {
	e.mu.Lock()
	notify := e.onParagraph
	e.mu.Unlock()
	if notify != nil {
		notify(idx)
	}
}

func (e *Engine) settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Settings
}

func (e *Engine) segmentMaxRunes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.SegmentMaxRunes
}

func (e *Engine) paragraphCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.paragraphs)
}
