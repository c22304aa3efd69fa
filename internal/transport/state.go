package transport

// State is the lifecycle state of a Session
type State int

const (
	// StateIdle is a session that has been created but not opened yet
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateErrored
)

// String returns the lowercase state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// transitions lists every legal state change. There is no path back to
// StateConnecting once a session has left it: sessions never reconnect.
var transitions = map[State][]State{
	StateIdle:       {StateConnecting, StateClosed},
	StateConnecting: {StateOpen, StateErrored, StateClosed},
	StateOpen:       {StateErrored, StateClosed},
	StateErrored:    {StateClosed},
	StateClosed:     nil,
}

// CanTransition reports whether a session may move from one state to another
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further traffic is possible in s
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}
