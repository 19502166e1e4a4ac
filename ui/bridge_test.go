package ui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/bookrill/readaloud/tts"
)

func testBook() *Book {
	return &Book{
		Title: "test",
		Paragraphs: []tts.Paragraph{
			{ID: "p0000", Text: "First.", Order: 0, Anchor: tts.Anchor{Type: tts.AnchorLocator, Value: "p0000"}},
			{ID: "p0001", Text: "Second.", Order: 1, Anchor: tts.Anchor{Type: tts.AnchorLocator, Value: "p0001"}},
		},
	}
}

func TestBridgePageSnapshot(t *testing.T) {
	b := NewBridge(testBook())

	if _, ok := b.CurrentPageParagraphIndex(); ok {
		t.Error("fresh bridge reports a page index")
	}
	if _, ok := b.CurrentPageText(); ok {
		t.Error("fresh bridge reports page text")
	}

	b.setPage(1, "Second.")

	idx, ok := b.CurrentPageParagraphIndex()
	if !ok || idx != 1 {
		t.Errorf("CurrentPageParagraphIndex() = %d, %v", idx, ok)
	}
	text, ok := b.CurrentPageText()
	if !ok || text != "Second." {
		t.Errorf("CurrentPageText() = %q, %v", text, ok)
	}
}

func TestBridgeGoToAnchor(t *testing.T) {
	b := NewBridge(testBook())

	// Detached bridges cannot navigate.
	if b.GoToAnchor(tts.Anchor{Type: tts.AnchorLocator, Value: "p0001"}) {
		t.Error("GoToAnchor() succeeded before Attach")
	}

	var got []tea.Msg
	b.Attach(func(msg tea.Msg) { got = append(got, msg) })

	if !b.GoToAnchor(tts.Anchor{Type: tts.AnchorLocator, Value: "p0001"}) {
		t.Fatal("GoToAnchor() = false for a known anchor")
	}
	if len(got) != 1 {
		t.Fatalf("sent %d messages, want 1", len(got))
	}
	if msg, ok := got[0].(scrollToParagraphMsg); !ok || msg.index != 1 {
		t.Errorf("sent %#v, want scrollToParagraphMsg{1}", got[0])
	}

	if b.GoToAnchor(tts.Anchor{Type: tts.AnchorLocator, Value: "unknown"}) {
		t.Error("GoToAnchor() = true for an unknown anchor")
	}
	if b.GoToAnchor(tts.Anchor{Type: tts.AnchorScroll, Value: "40"}) {
		t.Error("GoToAnchor() = true for an unsupported anchor type")
	}
}

func TestBridgeHighlight(t *testing.T) {
	b := NewBridge(testBook())

	// A detached bridge drops highlights instead of panicking.
	b.HighlightText("First.")

	var got []tea.Msg
	b.Attach(func(msg tea.Msg) { got = append(got, msg) })

	b.HighlightText("First.")
	b.HighlightText("")

	if len(got) != 2 {
		t.Fatalf("sent %d messages, want 2", len(got))
	}
	if msg := got[0].(highlightMsg); msg.text != "First." {
		t.Errorf("first highlight = %q", msg.text)
	}
	if msg := got[1].(highlightMsg); msg.text != "" {
		t.Errorf("clearing highlight sent %q", msg.text)
	}
}
