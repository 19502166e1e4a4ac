package tts

import (
	"time"

	"github.com/bookrill/readaloud/internal/cache"
	"github.com/bookrill/readaloud/tts/segment"
)

// Config holds engine configuration for one (book, chapter).
type Config struct {
	BookID    string
	ChapterID string

	// Settings are the live synthesis preferences. Changing them through
	// ApplySettings evicts all cached audio.
	Settings Settings

	// SegmentMaxRunes bounds segment length. Zero means the segmenter
	// default.
	SegmentMaxRunes int

	// PreloadWindow is how many paragraphs ahead to keep synthesized.
	// Zero means the cache default.
	PreloadWindow int

	// AutoAdvance continues into the next paragraph when one completes.
	AutoAdvance bool

	// TeardownDelay is the short, synchronous pause between tearing down a
	// session and starting the next, giving the audio device time to
	// release its resources.
	TeardownDelay time.Duration
}

// DefaultConfig returns a sensible engine configuration.
func DefaultConfig() Config {
	return Config{
		Settings: Settings{
			Model: "edge",
			Voice: "zh-CN-XiaoxiaoNeural",
			Speed: 1.0,
		},
		SegmentMaxRunes: segment.DefaultMaxRunes,
		PreloadWindow:   cache.DefaultWindow,
		AutoAdvance:     true,
		TeardownDelay:   50 * time.Millisecond,
	}
}
