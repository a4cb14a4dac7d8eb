package session

import (
	"encoding/json"
)

// State is the lifecycle position of a session.
type State int32

const (
	Unbound State = iota
	Resolving
	Bound
	Disconnected
)

var stateNames = map[State]string{
	Unbound:      "unbound",
	Resolving:    "resolving",
	Bound:        "bound",
	Disconnected: "disconnected",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == Disconnected
}
