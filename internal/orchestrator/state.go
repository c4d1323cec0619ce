package orchestrator

import "sync/atomic"

// State is the session's turn-taking phase. Transitions:
//
//	Idle → ReceivingUser → Thinking → Speaking → Idle
//	Speaking → Interrupted → Idle        (barge-in)
//	Thinking/Speaking → Switching → Speaking  (handoff)
type State int32

const (
	StateIdle State = iota
	StateReceivingUser
	StateThinking
	StateSpeaking
	StateInterrupted
	StateSwitching
)

// String returns the state's lowercase name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceivingUser:
		return "receiving_user"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateInterrupted:
		return "interrupted"
	case StateSwitching:
		return "switching"
	default:
		return "unknown"
	}
}

// stateVar is an atomically updated State.
type stateVar struct {
	v atomic.Int32
}

func (s *stateVar) get() State     { return State(s.v.Load()) }
func (s *stateVar) set(next State) { s.v.Store(int32(next)) }
