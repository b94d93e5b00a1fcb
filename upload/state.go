package upload

// State is the lifecycle position of a Session. States only move forward.
type State int

const (
	StateCreated State = iota
	StateHashing
	StatePlanning
	StateTransferring
	StateFinalizing
	StateSucceeded
	StateFailed
	StateCancelled
)

var stateNames = map[State]string{
	StateCreated:      "created",
	StateHashing:      "hashing",
	StatePlanning:     "planning",
	StateTransferring: "transferring",
	StateFinalizing:   "finalizing",
	StateSucceeded:    "succeeded",
	StateFailed:       "failed",
	StateCancelled:    "cancelled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsTerminal reports whether no further transition can happen.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

func (s State) canMoveTo(next State) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StateFailed || next == StateCancelled {
		return true
	}
	return next == s+1
}
