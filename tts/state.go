package tts

// StateType represents the current state of the playback engine.
type StateType int

const (
	// StateIdle indicates no session is live.
	StateIdle StateType = iota
	// StateLoadingSegment indicates a segment is being fetched or decoded.
	StateLoadingSegment
	// StatePlayingSegment indicates audio is actually audible. The engine
	// only enters this state once the player reports playback has begun,
	// never when it has merely been requested.
	StatePlayingSegment
	// StatePaused indicates a transport-level pause; cached resources stay
	// loaded.
	StatePaused
	// StateStopped is the transient teardown state on explicit stop or when
	// a new session replaces a live one.
	StateStopped
)

// String returns the string representation of the state.
func (s StateType) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoadingSegment:
		return "loading"
	case StatePlayingSegment:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsActive returns true if a session holds resources in this state.
func (s StateType) IsActive() bool {
	return s == StateLoadingSegment || s == StatePlayingSegment || s == StatePaused
}

// StateMachine owns the transition table for the playback engine. Only one
// transition path may move loading to playing; everything may move to
// Stopped, and Stopped only resolves to Idle.
type StateMachine struct {
	current     StateType
	transitions map[StateType][]StateType
}

// NewStateMachine creates a state machine in StateIdle.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		current: StateIdle,
		transitions: map[StateType][]StateType{
			StateIdle:           {StateLoadingSegment, StateStopped},
			StateLoadingSegment: {StatePlayingSegment, StateLoadingSegment, StateStopped, StateIdle},
			StatePlayingSegment: {StateLoadingSegment, StatePlayingSegment, StatePaused, StateStopped, StateIdle},
			StatePaused:         {StatePlayingSegment, StateStopped},
			StateStopped:        {StateIdle},
		},
	}
}

// Transition attempts to move to the given state, reporting whether the
// transition was legal.
func (sm *StateMachine) Transition(to StateType) bool {
	for _, s := range sm.transitions[sm.current] {
		if s == to {
			sm.current = to
			return true
		}
	}
	return false
}

// Current returns the current state.
func (sm *StateMachine) Current() StateType {
	return sm.current
}
