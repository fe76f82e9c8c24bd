package call

import "fmt"

// State is the lifecycle of the single call session a user may hold.
type State int

const (
	StateIdle State = iota
	StateOutgoing
	StateIncoming
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateActive:
		return "active"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// validNext is the authoritative transition table. Any non-idle state may
// always fall back to idle (reject, hangup, failure).
var validNext = map[State][]State{
	StateIdle:     {StateOutgoing, StateIncoming},
	StateOutgoing: {StateActive, StateIdle},
	StateIncoming: {StateActive, StateIdle},
	StateActive:   {StateIdle},
}

func (s State) canTransition(to State) bool {
	for _, n := range validNext[s] {
		if n == to {
			return true
		}
	}
	return false
}
