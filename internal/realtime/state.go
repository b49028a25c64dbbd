package realtime

import "fmt"

// State is the conversation turn-taking state. Exactly one instance exists
// per session, owned by the client's run loop.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateThinking
	StateSpeaking
	StateClosing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions can occur.
func (s State) Terminal() bool {
	return s == StateIdle || s == StateFailed
}

// validNext encodes the allowed forward transitions. Failed and Closing are
// reachable from anywhere and are not listed.
var validNext = map[State][]State{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateListening},
	StateListening:  {StateThinking},
	StateThinking:   {StateSpeaking, StateIdle},
	StateSpeaking:   {StateIdle},
	StateClosing:    {StateIdle},
}

// canTransition reports whether from -> to is an allowed transition.
func canTransition(from, to State) bool {
	if to == StateFailed || to == StateClosing {
		return true
	}
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}
