package realtime

import "fmt"

// State is the connection state of a Channel.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a snapshot of the channel for connection indicators.
// Exhausted is set once automatic retries gave up; only Reconnect clears it.
type Status struct {
	State     State
	Attempt   int
	Exhausted bool
}
