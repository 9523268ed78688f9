package gateway

import "fmt"

// State is the lifecycle state of the *Gateway.
type State uint32

// Valid State values.
const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StateStopping
)

// type check
var _ fmt.Stringer = StateStopped

// String implements the fmt.Stringer interface for State.
func (s State) String() (str string) {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("!bad_state_%d", uint32(s))
	}
}
