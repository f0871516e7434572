package state

// Trigger represents an event that causes a state transition.
type Trigger string

const (
	TriggerConnect        Trigger = "connect"
	TriggerQRIssued       Trigger = "qr_issued"
	TriggerAuthenticated  Trigger = "authenticated"
	TriggerConnectionLost Trigger = "connection_lost"
	TriggerDisconnect     Trigger = "disconnect"
)

// String returns the string representation of the trigger.
func (t Trigger) String() string {
	return string(t)
}
