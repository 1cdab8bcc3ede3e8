package session

import (
	"encoding/json"
	"fmt"
)

// State is the subscription mode of a session.
type State int

const (
	Idle State = iota
	Subscribed
	Closed
)

var stateNames = map[State]string{
	Idle:       "idle",
	Subscribed: "subscribed",
	Closed:     "closed",
}

var stateFromName = map[string]State{
	"idle":       Idle,
	"subscribed": Subscribed,
	"closed":     Closed,
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

func (s *State) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	v, ok := stateFromName[n]
	if !ok {
		return fmt.Errorf("unknown session state %q", n)
	}
	*s = v
	return nil
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == Closed
}
