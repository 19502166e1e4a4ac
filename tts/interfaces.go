// Package tts implements the continuous read-aloud playback engine: it
// sequences paragraph audio, keeps a preload window filled, and reconciles
// the discrete paragraph position with the reader's continuous position.
package tts

import (
	"context"
	"fmt"

	"github.com/bookrill/readaloud/tts/synth"
)

// AnchorType identifies how an Anchor value is interpreted by the reader.
type AnchorType string

const (
	// AnchorLocator is an opaque document-position locator.
	AnchorLocator AnchorType = "locator"
	// AnchorScroll is a scroll-offset anchor.
	AnchorScroll AnchorType = "scroll"
)

// Anchor is an opaque navigation target understood by the host reader.
type Anchor struct {
	Type  AnchorType // How Value is interpreted
	Value string     // Opaque locator or scroll offset
}

// Paragraph is one unit of chapter text. The ordered list for a chapter is
// fetched once and is immutable until the chapter is closed.
type Paragraph struct {
	ID     string // Stable paragraph identifier
	Text   string // Raw paragraph text
	Order  int    // Position within the chapter
	Anchor Anchor // Navigation anchor for the host reader
}

// Settings are the synthesis preferences that shape the audio. Changing any
// of them changes the cache key space, so the engine evicts all cached audio
// when they change.
type Settings struct {
	Model    string  // Synthesis model, e.g. "edge"
	Voice    string  // Voice identifier, e.g. "zh-CN-XiaoxiaoNeural"
	Speed    float64 // Speech rate multiplier (1.0 = normal)
	RoleMode bool    // Automatic character/voice-role detection
}

// RequestKey is the identity of one paragraph's audio for caching and
// in-flight deduplication. Two requests with the same key are the same
// request.
type RequestKey struct {
	ParagraphID string
	VoiceID     string
	Speed       float64
	RoleMode    bool
}

// String renders the key in a form usable as a cache file name.
func (k RequestKey) String() string {
	return fmt.Sprintf("%s-%s-%.2f-%t", k.ParagraphID, k.VoiceID, k.Speed, k.RoleMode)
}

// KeyFor builds the request key for a paragraph under the given settings.
func KeyFor(p Paragraph, s Settings) RequestKey {
	return RequestKey{
		ParagraphID: p.ID,
		VoiceID:     s.Voice,
		Speed:       s.Speed,
		RoleMode:    s.RoleMode,
	}
}

// ReaderBridge is the host page-renderer's capability object. It is injected
// at construction and every capability is optional: implementations report
// unsupported capabilities with ok=false (or a false success), and the
// engine degrades accordingly. A nil bridge supports nothing.
type ReaderBridge interface {
	// CurrentPageParagraphIndex reports the first paragraph on the current
	// page, if the renderer can determine it.
	CurrentPageParagraphIndex() (int, bool)

	// CurrentPageText reports the leading text of the current page, if
	// available.
	CurrentPageText() (string, bool)

	// GoToAnchor navigates the reader to the paragraph anchor. Returns
	// false if the renderer does not support navigation.
	GoToAnchor(a Anchor) bool

	// HighlightText asks the reader to visually mark the text being read.
	// An empty string clears the highlight.
	HighlightText(text string)
}

// Synthesizer turns segment text into playable audio bytes. Implemented by
// synth.Client; faked in tests.
type Synthesizer interface {
	// Synthesize renders one segment of a paragraph. The returned bytes
	// are a complete MP3 resource.
	Synthesize(ctx context.Context, req synth.Request) ([]byte, error)
}

// ParagraphsFrom converts a backend paragraph listing into domain paragraphs.
func ParagraphsFrom(listed []synth.Paragraph) []Paragraph {
	out := make([]Paragraph, len(listed))
	for i, p := range listed {
		out[i] = Paragraph{
			ID:    p.ID,
			Text:  p.Text,
			Order: p.Order,
			Anchor: Anchor{
				Type:  AnchorType(p.Anchor.Type),
				Value: p.Anchor.Value,
			},
		}
	}
	return out
}
