package ui

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/muesli/reflow/ansi"
	"github.com/muesli/reflow/truncate"

	"github.com/bookrill/readaloud/tts"
)

const statusBarHeight = 1

var (
	readerHelpHeight int

	mintGreen = lipgloss.AdaptiveColor{Light: "#89F0CB", Dark: "#89F0CB"}
	darkGreen = lipgloss.AdaptiveColor{Light: "#1C8760", Dark: "#1C8760"}

	statusBarNoteFg = lipgloss.AdaptiveColor{Light: "#656565", Dark: "#7D7D7D"}
	statusBarBg     = lipgloss.AdaptiveColor{Light: "#E6E6E6", Dark: "#242424"}

	logoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ECFD65")).
			Background(lipgloss.Color("#5A56E0")).
			Bold(true).
			Render

	statusBarScrollPosStyle = lipgloss.NewStyle().
				Foreground(lipgloss.AdaptiveColor{Light: "#949494", Dark: "#5A5A5A"}).
				Background(statusBarBg).
				Render

	statusBarNoteStyle = lipgloss.NewStyle().
				Foreground(statusBarNoteFg).
				Background(statusBarBg).
				Render

	statusBarHelpStyle = lipgloss.NewStyle().
				Foreground(statusBarNoteFg).
				Background(lipgloss.AdaptiveColor{Light: "#DCDCDC", Dark: "#323232"}).
				Render

	statusBarMessageStyle = lipgloss.NewStyle().
				Foreground(mintGreen).
				Background(darkGreen).
				Render

	helpViewStyle = lipgloss.NewStyle().
			Foreground(statusBarNoteFg).
			Background(lipgloss.AdaptiveColor{Light: "#f2f2f2", Dark: "#1B1B1B"}).
			Render

	activeMarkStyle = lipgloss.NewStyle().
			Foreground(mintGreen).
			Render
)

type readerState int

const (
	readerStateBrowse readerState = iota
	readerStateStatusMessage
)

// renderedBook is the glamour output broken apart per paragraph so the
// viewport offset can be mapped back to a paragraph index.
type renderedBook struct {
	blocks     [][]string // rendered lines per paragraph
	startLines []int      // first viewport line of each paragraph
}

type contentRenderedMsg renderedBook

type readerModel struct {
	common   *commonModel
	viewport viewport.Model
	state    readerState
	showHelp bool

	book     *Book
	engine   *tts.Engine
	bridge   *Bridge
	rendered renderedBook

	statusMessage      string
	statusMessageTimer *time.Timer

	// Engine-reported playback status shown in the status bar.
	playState tts.StateType
	current   int
	total     int
	highlight string
	lastError string
}

func newReaderModel(common *commonModel, book *Book, engine *tts.Engine, bridge *Bridge) readerModel {
	vp := viewport.New(0, 0)
	vp.YPosition = 0

	return readerModel{
		common:    common,
		state:     readerStateBrowse,
		viewport:  vp,
		book:      book,
		engine:    engine,
		bridge:    bridge,
		playState: tts.StateIdle,
		total:     len(book.Paragraphs),
	}
}

func (m *readerModel) setSize(w, h int) {
	m.viewport.Width = w
	m.viewport.Height = h - statusBarHeight

	if m.showHelp {
		if readerHelpHeight == 0 {
			readerHelpHeight = strings.Count(m.helpView(), "\n")
		}
		m.viewport.Height -= (statusBarHeight + readerHelpHeight)
	}
}

func (m *readerModel) toggleHelp() {
	m.showHelp = !m.showHelp
	m.setSize(m.common.width, m.common.height)
	if m.viewport.PastBottom() {
		m.viewport.GotoBottom()
	}
}

func (m *readerModel) showStatusMessage(message string) tea.Cmd {
	m.state = readerStateStatusMessage
	m.statusMessage = message
	if m.statusMessageTimer != nil {
		m.statusMessageTimer.Stop()
	}
	m.statusMessageTimer = time.NewTimer(statusMessageTimeout)
	return waitForStatusMessageTimeout(m.statusMessageTimer)
}

// setContent recomposes the viewport from the rendered blocks, marking the
// paragraph currently being read.
func (m *readerModel) setContent() {
	var b strings.Builder
	for i, block := range m.rendered.blocks {
		active := i == m.current && (m.highlight != "" || m.playState.IsActive())
		for j, line := range block {
			if active {
				b.WriteString(activeMarkStyle("▌"))
			}
			b.WriteString(line)
			if i+1 < len(m.rendered.blocks) || j+1 < len(block) {
				b.WriteRune('\n')
			}
		}
	}
	m.viewport.SetContent(b.String())
}

// syncPage reports the paragraph at the top of the viewport to the bridge.
func (m *readerModel) syncPage() {
	if len(m.rendered.startLines) == 0 {
		return
	}
	top := 0
	for i, start := range m.rendered.startLines {
		if start > m.viewport.YOffset {
			break
		}
		top = i
	}
	m.bridge.setPage(top, m.book.Paragraphs[top].Text)
}

func (m *readerModel) scrollToParagraph(idx int) {
	if idx < 0 || idx >= len(m.rendered.startLines) {
		return
	}
	line := m.rendered.startLines[idx]
	if line < m.viewport.YOffset || line >= m.viewport.YOffset+m.viewport.Height {
		m.viewport.SetYOffset(line)
	}
	m.syncPage()
}

func (m readerModel) update(msg tea.Msg) (readerModel, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "home", "g":
			m.viewport.GotoTop()
			m.syncPage()
		case "end", "G":
			m.viewport.GotoBottom()
			m.syncPage()
		case "d":
			m.viewport.HalfViewDown()
			m.syncPage()
		case "u":
			m.viewport.HalfViewUp()
			m.syncPage()
		case "?":
			m.toggleHelp()

		case " ":
			cmds = append(cmds, tts.ToggleCmd(m.engine, m.pageIndex()))
		case "s":
			if m.playState.IsActive() || m.playState == tts.StatePaused {
				cmds = append(cmds, tts.StopCmd(m.engine))
			}
		case "n":
			cmds = append(cmds, m.jump(+1))
		case "p":
			cmds = append(cmds, m.jump(-1))
		case "1", "2", "3", "4", "5":
			speeds := map[string]float64{
				"1": 0.5, "2": 0.75, "3": 1.0, "4": 1.25, "5": 1.5,
			}
			if speed, exists := speeds[msg.String()]; exists {
				cmds = append(cmds, m.setSpeed(speed))
			}
		}

	case contentRenderedMsg:
		log.Debug("content rendered", "paragraphs", len(msg.blocks))
		m.rendered = renderedBook(msg)
		m.setContent()
		m.syncPage()

	case tea.WindowSizeMsg:
		return m, renderBook(m)

	case statusMessageTimeoutMsg:
		m.state = readerStateBrowse

	case scrollToParagraphMsg:
		m.scrollToParagraph(msg.index)

	case highlightMsg:
		m.highlight = msg.text
		m.setContent()

	case tts.StateChangedMsg:
		m.playState = msg.State
		m.setContent()

	case tts.ParagraphChangedMsg:
		m.current = msg.Index
		m.total = msg.Total
		m.setContent()

	case tts.TotalChangedMsg:
		m.total = msg.Total

	case tts.PlaybackStoppedMsg:
		m.highlight = ""
		m.setContent()

	case tts.PlaybackErrorMsg:
		m.lastError = msg.Err.Message()
		cmds = append(cmds, m.showStatusMessage("Playback error: "+msg.Err.Message()))
	}

	oldOffset := m.viewport.YOffset
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	if m.viewport.YOffset != oldOffset {
		m.syncPage()
	}

	return m, tea.Batch(cmds...)
}

// pageIndex is the paragraph a fresh playback should start from when there
// is no saved position: the top of the current page.
func (m readerModel) pageIndex() int {
	if idx, ok := m.bridge.CurrentPageParagraphIndex(); ok {
		return idx
	}
	return 0
}

func (m readerModel) jump(delta int) tea.Cmd {
	target := m.current + delta
	if !m.playState.IsActive() && m.playState != tts.StatePaused {
		target = m.pageIndex() + delta
	}
	if target < 0 || target >= len(m.book.Paragraphs) {
		return nil
	}
	return tts.StartCmd(m.engine, target)
}

func (m readerModel) setSpeed(speed float64) tea.Cmd {
	return func() tea.Msg {
		s := m.engine.Settings()
		s.Speed = speed
		if err := m.engine.ApplySettings(s); err != nil {
			log.Error("could not apply speed", "speed", speed, "error", err)
		}
		return nil
	}
}

func (m readerModel) View() string {
	var b strings.Builder
	fmt.Fprint(&b, m.viewport.View()+"\n")

	m.statusBarView(&b)

	if m.showHelp {
		fmt.Fprint(&b, "\n"+m.helpView())
	}

	return b.String()
}

func (m readerModel) statusBarView(b *strings.Builder) {
	showStatusMessage := m.state == readerStateStatusMessage

	logo := logoStyle(" ReadAloud ")

	percent := math.Max(0.0, math.Min(1.0, m.viewport.ScrollPercent()))
	scrollPercent := statusBarScrollPosStyle(fmt.Sprintf(" %3.f%% ", percent*100.0))

	helpNote := statusBarHelpStyle(" ? Help ")

	var note string
	switch {
	case showStatusMessage:
		note = m.statusMessage
	case m.playState == tts.StateLoadingSegment:
		note = m.book.Title + " · loading…"
	case m.playState == tts.StatePlayingSegment:
		note = fmt.Sprintf("%s · playing %d/%d", m.book.Title, m.current+1, m.total)
	case m.playState == tts.StatePaused:
		note = fmt.Sprintf("%s · paused %d/%d", m.book.Title, m.current+1, m.total)
	default:
		note = m.book.Title + " · space to read aloud"
	}
	note = truncate.StringWithTail(" "+note+" ", uint(max(0, //nolint:gosec
		m.common.width-
			ansi.PrintableRuneWidth(logo)-
			ansi.PrintableRuneWidth(scrollPercent)-
			ansi.PrintableRuneWidth(helpNote),
	)), ellipsis)
	if showStatusMessage {
		note = statusBarMessageStyle(note)
	} else {
		note = statusBarNoteStyle(note)
	}

	padding := max(0,
		m.common.width-
			ansi.PrintableRuneWidth(logo)-
			ansi.PrintableRuneWidth(note)-
			ansi.PrintableRuneWidth(scrollPercent)-
			ansi.PrintableRuneWidth(helpNote),
	)
	emptySpace := strings.Repeat(" ", padding)
	if showStatusMessage {
		emptySpace = statusBarMessageStyle(emptySpace)
	} else {
		emptySpace = statusBarNoteStyle(emptySpace)
	}

	fmt.Fprintf(b, "%s%s%s%s%s",
		logo,
		note,
		emptySpace,
		scrollPercent,
		helpNote,
	)
}

func (m readerModel) helpView() (s string) {
	s += "\n"
	s += "space    play/pause            g/home  go to top\n"
	s += "s        stop                  G/end   go to bottom\n"
	s += "n        next paragraph        u       ½ page up\n"
	s += "p        previous paragraph    d       ½ page down\n"
	s += "1-5      speed (0.5x–1.5x)     q       quit\n"

	s = indent(s, 2)

	// Fill up empty cells with spaces for background coloring
	if m.common.width > 0 {
		lines := strings.Split(s, "\n")
		for i := 0; i < len(lines); i++ {
			l := ansi.PrintableRuneWidth(lines[i])
			n := max(m.common.width-l, 0)
			lines[i] += strings.Repeat(" ", n)
		}

		s = strings.Join(lines, "\n")
	}

	return helpViewStyle(s)
}

// COMMANDS

func renderBook(m readerModel) tea.Cmd {
	return func() tea.Msg {
		rendered, err := glamourRender(m)
		if err != nil {
			log.Error("error rendering with Glamour", "error", err)
			return errMsg{err}
		}
		return contentRenderedMsg(rendered)
	}
}

// glamourRender renders each paragraph as its own block so playback can be
// mapped onto viewport lines.
func glamourRender(m readerModel) (renderedBook, error) {
	var rb renderedBook

	if !m.common.cfg.GlamourEnabled {
		for _, p := range m.book.Paragraphs {
			block := strings.Split(p.Text, "\n")
			block = append(block, "")
			rb.startLines = append(rb.startLines, nextStart(rb))
			rb.blocks = append(rb.blocks, block)
		}
		return rb, nil
	}

	width := max(0, min(int(m.common.cfg.GlamourMaxWidth), m.viewport.Width)) //nolint:gosec

	options := []glamour.TermRendererOption{
		glamour.WithWordWrap(width),
	}
	if m.common.cfg.GlamourStyle == "auto" || m.common.cfg.GlamourStyle == "" {
		options = append(options, glamour.WithAutoStyle())
	} else {
		options = append(options, glamour.WithStylePath(m.common.cfg.GlamourStyle))
	}

	r, err := glamour.NewTermRenderer(options...)
	if err != nil {
		return rb, fmt.Errorf("error creating glamour renderer: %w", err)
	}

	for _, p := range m.book.Paragraphs {
		out, err := r.Render(p.Text)
		if err != nil {
			return rb, fmt.Errorf("error rendering paragraph: %w", err)
		}
		block := strings.Split(strings.TrimRight(out, "\n"), "\n")
		block = append(block, "")
		rb.startLines = append(rb.startLines, nextStart(rb))
		rb.blocks = append(rb.blocks, block)
	}

	return rb, nil
}

func nextStart(rb renderedBook) int {
	if len(rb.blocks) == 0 {
		return 0
	}
	return rb.startLines[len(rb.startLines)-1] + len(rb.blocks[len(rb.blocks)-1])
}

func indent(s string, n int) string {
	if n <= 0 || s == "" {
		return s
	}
	pad := strings.Repeat(" ", n)
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = pad + lines[i]
	}
	return strings.Join(lines, "\n")
}
