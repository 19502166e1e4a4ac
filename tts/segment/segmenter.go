// Package segment splits paragraph text into speakable chunks bounded by a
// maximum character length, preferring paragraph and sentence boundaries.
package segment

import (
	"strings"
)

// DefaultMaxRunes is the default per-segment length bound, sized to stay
// comfortably under the backend's inline-text transport limit.
const DefaultMaxRunes = 500

// Sentence terminators. CJK full stops and terminators are included so
// Chinese prose splits on the same rules as Latin prose.
var terminators = map[rune]bool{
	'.': true, '!': true, '?': true, '\n': true,
	'。': true, '！': true, '？': true, '；': true,
}

// Split breaks text into speakable segments of at most maxLen runes.
//
// Short text comes back as a single trimmed segment. Longer text is split on
// blank-line paragraph boundaries first; any piece still over the bound is
// split on sentence terminators, greedily packing sentences into a segment
// until the next sentence would overflow. A single sentence longer than
// maxLen is hard-cut into maxLen-rune slices as a last resort.
//
// Split is pure and deterministic and never returns empty strings.
func Split(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaxRunes
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if runeLen(trimmed) <= maxLen {
		return []string{trimmed}
	}

	var segments []string
	for _, block := range splitBlocks(trimmed) {
		if runeLen(block) <= maxLen {
			segments = append(segments, block)
			continue
		}
		segments = append(segments, splitSentences(block, maxLen)...)
	}
	return segments
}

// splitBlocks splits on blank-line paragraph boundaries, dropping empty
// pieces.
func splitBlocks(text string) []string {
	var blocks []string
	for _, piece := range strings.Split(text, "\n\n") {
		piece = strings.TrimSpace(piece)
		if piece != "" {
			blocks = append(blocks, piece)
		}
	}
	return blocks
}

// splitSentences packs whole sentences into segments of at most maxLen
// runes, hard-cutting any single sentence that exceeds the bound on its own.
func splitSentences(text string, maxLen int) []string {
	var segments []string
	var buf strings.Builder
	bufLen := 0

	flush := func() {
		if s := strings.TrimSpace(buf.String()); s != "" {
			segments = append(segments, s)
		}
		buf.Reset()
		bufLen = 0
	}

	for _, sentence := range sentences(text) {
		n := runeLen(sentence)
		if n > maxLen {
			// An unbreakable sentence: flush what we have, then slice it.
			flush()
			segments = append(segments, hardCut(sentence, maxLen)...)
			continue
		}
		if bufLen+n > maxLen {
			flush()
		}
		buf.WriteString(sentence)
		bufLen += n
	}
	flush()
	return segments
}

// sentences splits text after each terminator run, keeping the terminators
// attached to their sentence.
func sentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		if !terminators[runes[i]] {
			continue
		}
		// Swallow consecutive terminators ("?!", "....").
		end := i + 1
		for end < len(runes) && terminators[runes[end]] {
			end++
		}
		if s := string(runes[start:end]); strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
		start = end
		i = end - 1
	}
	if start < len(runes) {
		if s := string(runes[start:]); strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// hardCut slices a single oversized sentence into fixed-length pieces.
func hardCut(sentence string, maxLen int) []string {
	runes := []rune(strings.TrimSpace(sentence))
	var out []string
	for start := 0; start < len(runes); start += maxLen {
		end := start + maxLen
		if end > len(runes) {
			end = len(runes)
		}
		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			out = append(out, piece)
		}
	}
	return out
}

func runeLen(s string) int {
	return len([]rune(s))
}
