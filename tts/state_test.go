package tts

import "testing"

func TestStateMachineTransitions(t *testing.T) {
	tests := []struct {
		name string
		from StateType
		to   StateType
		want bool
	}{
		{"Idle to loading", StateIdle, StateLoadingSegment, true},
		{"Idle to stopped", StateIdle, StateStopped, true},
		{"Idle cannot jump to playing", StateIdle, StatePlayingSegment, false},
		{"Idle cannot pause", StateIdle, StatePaused, false},
		{"Loading to playing", StateLoadingSegment, StatePlayingSegment, true},
		{"Loading to next loading", StateLoadingSegment, StateLoadingSegment, true},
		{"Loading to stopped", StateLoadingSegment, StateStopped, true},
		{"Loading cannot pause", StateLoadingSegment, StatePaused, false},
		{"Playing to paused", StatePlayingSegment, StatePaused, true},
		{"Playing to next loading", StatePlayingSegment, StateLoadingSegment, true},
		{"Playing to stopped", StatePlayingSegment, StateStopped, true},
		{"Paused to playing", StatePaused, StatePlayingSegment, true},
		{"Paused to stopped", StatePaused, StateStopped, true},
		{"Paused cannot load", StatePaused, StateLoadingSegment, false},
		{"Stopped resolves to idle", StateStopped, StateIdle, true},
		{"Stopped cannot restart directly", StateStopped, StateLoadingSegment, false},
		{"Stopped cannot play directly", StateStopped, StatePlayingSegment, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine()
			sm.current = tt.from
			if got := sm.Transition(tt.to); got != tt.want {
				t.Errorf("Transition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
			if tt.want && sm.Current() != tt.to {
				t.Errorf("Current() = %s after transition, want %s", sm.Current(), tt.to)
			}
			if !tt.want && sm.Current() != tt.from {
				t.Errorf("Current() = %s after refused transition, want %s", sm.Current(), tt.from)
			}
		})
	}
}

func TestStateTypeString(t *testing.T) {
	tests := []struct {
		state StateType
		want  string
	}{
		{StateIdle, "idle"},
		{StateLoadingSegment, "loading"},
		{StatePlayingSegment, "playing"},
		{StatePaused, "paused"},
		{StateStopped, "stopped"},
		{StateType(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("StateType(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestStateTypeIsActive(t *testing.T) {
	active := map[StateType]bool{
		StateIdle:           false,
		StateLoadingSegment: true,
		StatePlayingSegment: true,
		StatePaused:         true,
		StateStopped:        false,
	}
	for s, want := range active {
		if got := s.IsActive(); got != want {
			t.Errorf("%s.IsActive() = %v, want %v", s, got, want)
		}
	}
}
