package talkwire

// ConnectionState represents the current state of the persistent connection.
// Exactly one state holds at any instant.
type ConnectionState int

const (
	// StateDisconnected means no connection exists and none is being made.
	StateDisconnected ConnectionState = iota

	// StateConnecting means a handshake is in flight.
	StateConnecting

	// StateConnected means the connection is live and heartbeats are running.
	StateConnected

	// StateReconnecting means the connection was lost and a backoff-delayed
	// reconnect attempt is scheduled.
	StateReconnecting
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateEvent describes a state transition.
type StateEvent struct {
	Old ConnectionState
	New ConnectionState
	Err error // optional cause of the transition
}
