package ui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/bookrill/readaloud/tts"
)

// Bridge is the reader-side half of tts.ReaderBridge. The Bubble Tea update
// loop pushes page snapshots into it as the viewport moves; the engine reads
// them from its own goroutines, so everything is mutex-guarded. Navigation
// and highlight requests travel the other way as program messages.
type Bridge struct {
	mu      sync.RWMutex
	send    func(tea.Msg)
	anchors map[string]int

	topParagraph int
	hasTop       bool
	pageText     string
}

type (
	scrollToParagraphMsg struct{ index int }
	highlightMsg         struct{ text string }
)

// NewBridge builds a bridge for the given book. Attach must be called once
// the program is running before navigation or highlight will do anything.
func NewBridge(book *Book) *Bridge {
	anchors := make(map[string]int, len(book.Paragraphs))
	for i, p := range book.Paragraphs {
		anchors[p.Anchor.Value] = i
	}
	return &Bridge{anchors: anchors}
}

// Attach connects the bridge to a running program's Send.
func (b *Bridge) Attach(send func(tea.Msg)) {
	b.mu.Lock()
	b.send = send
	b.mu.Unlock()
}

// setPage records what the viewport currently shows. Called from the update
// loop on scroll and resize.
func (b *Bridge) setPage(topParagraph int, pageText string) {
	b.mu.Lock()
	b.topParagraph = topParagraph
	b.hasTop = true
	b.pageText = pageText
	b.mu.Unlock()
}

// CurrentPageParagraphIndex implements tts.ReaderBridge.
func (b *Bridge) CurrentPageParagraphIndex() (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.topParagraph, b.hasTop
}

// CurrentPageText implements tts.ReaderBridge.
func (b *Bridge) CurrentPageText() (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.hasTop || b.pageText == "" {
		return "", false
	}
	return b.pageText, true
}

// GoToAnchor implements tts.ReaderBridge. Unknown anchors and a detached
// bridge both report false.
func (b *Bridge) GoToAnchor(a tts.Anchor) bool {
	if a.Type != tts.AnchorLocator {
		return false
	}
	b.mu.RLock()
	idx, ok := b.anchors[a.Value]
	send := b.send
	b.mu.RUnlock()
	if !ok || send == nil {
		return false
	}
	send(scrollToParagraphMsg{index: idx})
	return true
}

// HighlightText implements tts.ReaderBridge.
func (b *Bridge) HighlightText(text string) {
	b.mu.RLock()
	send := b.send
	b.mu.RUnlock()
	if send != nil {
		send(highlightMsg{text: text})
	}
}
