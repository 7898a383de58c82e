package session

import "fmt"

// State is the externally observable session state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateThinking
	StateSpeaking
	StateError
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
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for c := StateIdle; c <= StateError; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", string(b))
}

// Running reports whether the agent is up and conversing.
func (s State) Running() bool {
	return s == StateListening || s == StateThinking || s == StateSpeaking
}
