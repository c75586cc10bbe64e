package session

// State is the reconciliation state of an operator's session.
type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateRestored
	StateEmpty
	StateActive
	StateFinalizing
	StateFinalized
)

var stateNames = [...]string{
	StateUninitialized: "uninitialized",
	StateLoading:       "loading",
	StateRestored:      "restored",
	StateEmpty:         "empty",
	StateActive:        "active",
	StateFinalizing:    "finalizing",
	StateFinalized:     "finalized",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
