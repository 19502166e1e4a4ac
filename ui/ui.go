// Package ui hosts the read-aloud engine inside a Bubble Tea book reader.
package ui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"

	"github.com/bookrill/readaloud/tts"
)

const (
	statusMessageTimeout = time.Second * 3
	ellipsis             = "…"
)

// NewProgram returns a new Tea program hosting the reader. The caller must
// Attach the bridge and Pump the engine once the program is running.
func NewProgram(cfg Config, book *Book, engine *tts.Engine, bridge *Bridge) *tea.Program {
	log.Debug("starting reader", "book", book.Title, "paragraphs", len(book.Paragraphs))

	opts := []tea.ProgramOption{tea.WithAltScreen()}
	if cfg.EnableMouse {
		opts = append(opts, tea.WithMouseCellMotion())
	}
	m := newModel(cfg, book, engine, bridge)
	return tea.NewProgram(m, opts...)
}

type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

type statusMessageTimeoutMsg struct{}

// Common stuff we'll need to access in all models.
type commonModel struct {
	cfg    Config
	width  int
	height int
}

type model struct {
	common   *commonModel
	reader   readerModel
	fatalErr error
}

func newModel(cfg Config, book *Book, engine *tts.Engine, bridge *Bridge) tea.Model {
	common := commonModel{cfg: cfg}
	m := model{common: &common}
	m.reader = newReaderModel(&common, book, engine, bridge)
	return m
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if err := m.reader.engine.Close(); err != nil {
				log.Error("error closing engine", "error", err)
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.common.width = msg.Width
		m.common.height = msg.Height
		m.reader.setSize(msg.Width, msg.Height)

	case errMsg:
		m.fatalErr = msg.err
		log.Error("fatal UI error", "error", msg.err)
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.reader, cmd = m.reader.update(msg)
	return m, cmd
}

func (m model) View() string {
	if m.fatalErr != nil {
		return m.fatalErr.Error() + "\n"
	}
	return m.reader.View()
}

func waitForStatusMessageTimeout(t *time.Timer) tea.Cmd {
	return func() tea.Msg {
		<-t.C
		return statusMessageTimeoutMsg{}
	}
}
