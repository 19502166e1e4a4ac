package tts

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Bubble Tea messages emitted toward the host UI. The engine itself is
// UI-agnostic; Pump adapts its callbacks onto a tea.Program.

// PlaybackStartedMsg indicates a paragraph has become audible.
type PlaybackStartedMsg struct {
	ParagraphIndex int
	Total          int
}

// PlaybackStoppedMsg indicates the engine returned to Idle.
type PlaybackStoppedMsg struct {
	Reason string // "user", "complete", "error"
}

// StateChangedMsg reports an engine state transition.
type StateChangedMsg struct {
	State StateType
}

// ParagraphChangedMsg indicates the reading focus moved.
type ParagraphChangedMsg struct {
	Index int
	Total int
}

// TotalChangedMsg indicates the chapter's paragraph count changed.
type TotalChangedMsg struct {
	Total int
}

// PlaybackErrorMsg carries the single surfaced error for a failed
// paragraph.
type PlaybackErrorMsg struct {
	Err *PlaybackError
}

// Pump wires engine callbacks into a running Bubble Tea program. Call it
// once after the program starts.
func Pump(e *Engine, send func(tea.Msg)) {
	e.OnStateChange(func(s StateType) {
		send(StateChangedMsg{State: s})
		if s == StateIdle {
			send(PlaybackStoppedMsg{Reason: "complete"})
		}
	})
	e.OnParagraphChange(func(idx int) {
		total := len(e.Paragraphs())
		send(ParagraphChangedMsg{Index: idx, Total: total})
		send(PlaybackStartedMsg{ParagraphIndex: idx, Total: total})
	})
	e.OnTotalChange(func(total int) {
		send(TotalChangedMsg{Total: total})
	})
	e.OnError(func(err *PlaybackError) {
		send(PlaybackErrorMsg{Err: err})
		send(PlaybackStoppedMsg{Reason: "error"})
	})
}

// StartCmd starts playback at a paragraph as a Bubble Tea command.
func StartCmd(e *Engine, index int) tea.Cmd {
	return func() tea.Msg {
		if err := e.Start(index); err != nil {
			return PlaybackErrorMsg{Err: &PlaybackError{
				Cause:          CauseInternal,
				ParagraphIndex: index,
				Err:            err,
			}}
		}
		return nil
	}
}

// ToggleCmd pauses a playing engine or resumes a paused one; from idle it
// starts at the saved position.
func ToggleCmd(e *Engine, fallbackIndex int) tea.Cmd {
	return func() tea.Msg {
		switch e.State() {
		case StatePlayingSegment:
			e.Pause() //nolint:errcheck
		case StatePaused:
			e.Resume() //nolint:errcheck
		case StateIdle:
			idx := e.SavedIndex()
			if idx < 0 {
				idx = fallbackIndex
			}
			if err := e.Start(idx); err != nil {
				return PlaybackErrorMsg{Err: &PlaybackError{
					Cause:          CauseInternal,
					ParagraphIndex: idx,
					Err:            err,
				}}
			}
		}
		return nil
	}
}

// StopCmd stops playback as a Bubble Tea command.
func StopCmd(e *Engine) tea.Cmd {
	return func() tea.Msg {
		e.Stop() //nolint:errcheck
		return PlaybackStoppedMsg{Reason: "user"}
	}
}
