// Package position maps the reader's continuous position (progress
// fraction, page text) onto a discrete paragraph index and back. It never
// fails; every path degrades to a best-effort default.
package position

import (
	"math"
	"strings"
	"sync"
)

// Signals is the set of position sources available at resolution time.
// Absent sources are marked with their Has flag; the priority order between
// present sources is fixed and deterministic.
type Signals struct {
	// ProgressFraction is the continuous [0,1] reading position. The most
	// reliable cross-device signal: it derives from a stable locator
	// scheme, while the discrete index below is a local cache that can
	// drift after content reflow.
	ProgressFraction float64
	HasFraction      bool

	// SavedIndex is a previously persisted discrete paragraph index.
	SavedIndex int
	HasSaved   bool

	// PageIndex is the renderer-reported first paragraph of the current
	// page, when the renderer supports reporting it.
	PageIndex int
	HasPage   bool

	// PageText is the leading text of the current page, used for the
	// text-matching fallback when no index signal resolves.
	PageText string

	// Previous is the engine's last known paragraph index, or -1 if none.
	Previous int
}

// Reconciler resolves paragraph indices from position signals. Safe for
// concurrent use: the host may swap chapters while a resolution is running.
type Reconciler struct {
	mu sync.RWMutex

	// paragraphs holds the chapter's paragraph texts for the text-matching
	// fallback. May be nil if matching is not needed.
	paragraphs []string
}

// NewReconciler creates a reconciler over the chapter's paragraph texts.
func NewReconciler(paragraphTexts []string) *Reconciler {
	return &Reconciler{paragraphs: paragraphTexts}
}

// SetParagraphs replaces the paragraph texts, e.g. on chapter change.
func (r *Reconciler) SetParagraphs(paragraphTexts []string) {
	r.mu.Lock()
	r.paragraphs = paragraphTexts
	r.mu.Unlock()
}

// Resolve determines the target paragraph index for the given signals,
// clamped into [0, paragraphCount-1]. Priority: progress fraction, saved
// index, renderer page index, page-text matching, previous index, 0.
func (r *Reconciler) Resolve(s Signals, paragraphCount int) int {
	if paragraphCount <= 0 {
		return 0
	}

	if s.HasFraction && s.ProgressFraction > 0 {
		return clamp(int(math.Floor(s.ProgressFraction*float64(paragraphCount))), paragraphCount)
	}
	if s.HasSaved {
		return clamp(s.SavedIndex, paragraphCount)
	}
	if s.HasPage {
		return clamp(s.PageIndex, paragraphCount)
	}
	if idx, ok := r.matchPageText(s.PageText); ok {
		return clamp(idx, paragraphCount)
	}
	if s.Previous >= 0 && s.Previous < paragraphCount {
		return s.Previous
	}
	return 0
}

// matchPageText finds the paragraph best matching the page's leading text.
// Both directions are checked: a paragraph containing the page text, and the
// page text containing a paragraph's prefix. The longest overlap wins.
func (r *Reconciler) matchPageText(pageText string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pageText = strings.TrimSpace(pageText)
	if pageText == "" || len(r.paragraphs) == 0 {
		return 0, false
	}

	best := -1
	bestScore := 0
	for i, text := range r.paragraphs {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		score := 0
		switch {
		case strings.Contains(text, pageText):
			score = len(pageText)
		case strings.Contains(pageText, prefix(text, 64)):
			score = len(prefix(text, 64))
		}
		if score > bestScore {
			best = i
			bestScore = score
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

// prefix returns the first n runes of s.
func prefix(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func clamp(idx, count int) int {
	if idx < 0 {
		return 0
	}
	if idx >= count {
		return count - 1
	}
	return idx
}
