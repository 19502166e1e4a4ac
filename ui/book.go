package ui

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bookrill/readaloud/tts"
)

// Book is a chapter's worth of ordered paragraphs loaded from a local
// markdown or plain-text file. Blank lines separate paragraphs.
type Book struct {
	Title      string
	Path       string
	Paragraphs []tts.Paragraph
}

// LoadBook reads a file and splits it into paragraphs. Each paragraph gets
// a stable id derived from its order, which doubles as its anchor.
func LoadBook(path string) (*Book, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read book: %w", err)
	}

	blocks := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n\n")
	paragraphs := make([]tts.Paragraph, 0, len(blocks))
	for _, block := range blocks {
		text := strings.TrimSpace(block)
		if text == "" {
			continue
		}
		order := len(paragraphs)
		id := fmt.Sprintf("p%04d", order)
		paragraphs = append(paragraphs, tts.Paragraph{
			ID:    id,
			Text:  text,
			Order: order,
			Anchor: tts.Anchor{
				Type:  tts.AnchorLocator,
				Value: id,
			},
		})
	}

	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return &Book{Title: title, Path: path, Paragraphs: paragraphs}, nil
}
