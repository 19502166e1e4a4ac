// Package cache holds synthesized audio ahead of playback. The preload
// cache is bounded by a lookahead window rather than an entry count: the
// engine only ever creates entries inside the window, and everything is
// evicted wholesale when synthesis settings change. A zstd-compressed disk
// layer keeps raw audio across sessions.
package cache

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/bookrill/readaloud/tts/audio"
)

// DefaultWindow is how many paragraphs ahead of the playing one the cache
// tries to keep synthesized.
const DefaultWindow = 20

// DefaultStagger spaces out scheduled preload starts so a window refill
// does not stampede the synthesis backend.
const DefaultStagger = 5.0 // starts per second, i.e. 200ms apart

// Entry is one paragraph's cached audio: a handle per segment, in playback
// order. The cache owns the handles until Take transfers them out.
type Entry struct {
	Key     string
	Handles []*audio.Handle
}

// Close revokes every handle in the entry.
func (e *Entry) Close() {
	for _, h := range e.Handles {
		h.Close() //nolint:errcheck
	}
}

// Loader synthesizes a paragraph's segments for preloading.
type Loader func(ctx context.Context, key string) ([]*audio.Handle, error)

// Preload is the bounded lookahead cache. Keys are the string form of the
// composite request key (paragraph id, voice, speed, role mode).
type Preload struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	inflight map[string]chan struct{} // closed when the load finishes, success or not
	gen      uint64                   // bumped by EvictAll; in-flight loads from older generations discard their result

	window  int
	limiter *rate.Limiter
	logger  *log.Logger
}

// NewPreload creates a preload cache with the given lookahead window. A
// non-positive window falls back to DefaultWindow.
func NewPreload(window int, logger *log.Logger) *Preload {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = log.WithPrefix("cache")
	}
	return &Preload{
		entries:  make(map[string]*Entry),
		inflight: make(map[string]chan struct{}),
		window:   window,
		limiter:  rate.NewLimiter(rate.Limit(DefaultStagger), 1),
		logger:   logger,
	}
}

// Window returns the lookahead window size.
func (p *Preload) Window() int {
	return p.window
}

// Get returns the entry for key without transferring ownership.
func (p *Preload) Get(key string) (*Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	return e, ok
}

// Take removes and returns the entry for key. Removal and hand-off happen
// under one lock so the cache can never revoke a handle the engine is
// using.
func (p *Preload) Take(key string) (*Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	return e, ok
}

// Put stores an entry, closing any entry it displaces.
func (p *Preload) Put(key string, handles []*audio.Handle) {
	p.mu.Lock()
	old := p.entries[key]
	p.entries[key] = &Entry{Key: key, Handles: handles}
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// Has reports whether key is cached.
func (p *Preload) Has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[key]
	return ok
}

// InFlight reports whether a load for key is currently running.
func (p *Preload) InFlight(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[key]
	return ok
}

// Join returns a channel that is closed when the in-flight load for key
// finishes, whatever its outcome. ok is false when no load is running; two
// requests with the same key must share one backend fetch, so callers that
// miss the cache join the running load instead of issuing their own.
func (p *Preload) Join(key string) (<-chan struct{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.inflight[key]
	return ch, ok
}

// Len returns the number of cached entries.
func (p *Preload) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// EvictAll closes and drops every entry. Called when voice, model, or speed
// changes: the key space changes with them, so old entries are unreachable
// garbage whose handles must still be revoked.
func (p *Preload) EvictAll() {
	p.mu.Lock()
	old := p.entries
	p.entries = make(map[string]*Entry)
	p.gen++
	p.mu.Unlock()

	size := 0
	for _, e := range old {
		for _, h := range e.Handles {
			size += h.Len()
		}
		e.Close()
	}
	if len(old) > 0 {
		p.logger.Debug("evicted preload cache",
			"entries", len(old), "bytes", humanize.Bytes(uint64(size)))
	}
}

// ScheduleAhead queues preloads for the given keys, in order, with
// staggered starts. Keys already cached or in flight are skipped, as is
// anything beyond the lookahead window. Failed preloads are logged and
// dropped; the on-demand path will retry them at playback time.
func (p *Preload) ScheduleAhead(ctx context.Context, keys []string, load Loader) {
	if len(keys) > p.window {
		keys = keys[:p.window]
	}

	var pending []string
	p.mu.Lock()
	gen := p.gen
	for _, key := range keys {
		if _, ok := p.entries[key]; ok {
			continue
		}
		if _, ok := p.inflight[key]; ok {
			continue
		}
		p.inflight[key] = make(chan struct{})
		pending = append(pending, key)
	}
	p.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	go func() {
		for _, key := range pending {
			if err := p.limiter.Wait(ctx); err != nil {
				p.clearInflight(pending)
				return
			}
			go p.fill(ctx, gen, key, load)
		}
	}()
}

// fill runs one preload and stores the result unless an EvictAll has made
// this generation stale, in which case the handles are revoked on the spot.
func (p *Preload) fill(ctx context.Context, gen uint64, key string, load Loader) {
	defer p.clearInflight([]string{key})

	handles, err := load(ctx, key)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("preload failed", "key", key, "err", err)
		}
		return
	}

	p.mu.Lock()
	stale := gen != p.gen
	if !stale {
		old := p.entries[key]
		p.entries[key] = &Entry{Key: key, Handles: handles}
		if old != nil {
			defer old.Close()
		}
	}
	p.mu.Unlock()

	if stale {
		for _, h := range handles {
			h.Close() //nolint:errcheck
		}
	}
}

func (p *Preload) clearInflight(keys []string) {
	p.mu.Lock()
	for _, key := range keys {
		if ch, ok := p.inflight[key]; ok {
			close(ch)
			delete(p.inflight, key)
		}
	}
	p.mu.Unlock()
}
