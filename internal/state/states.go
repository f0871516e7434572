// Package state provides the finite state machine for channel instance connection lifecycle.
package state

// State represents the connection status of a channel instance.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateAwaitingQR   State = "awaiting_qr"
	StateConnected    State = "connected"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsValid reports whether s is one of the known instance states.
func (s State) IsValid() bool {
	switch s {
	case StateDisconnected, StateConnecting, StateAwaitingQR, StateConnected:
		return true
	default:
		return false
	}
}

// IsOperational returns true if the instance can send messages.
func (s State) IsOperational() bool {
	return s == StateConnected
}
