package chatsync

// ConnectionState represents the current state of the chat transport.
type ConnectionState int

const (
	// StateDisconnected means the transport is closed or was lost after connect.
	StateDisconnected ConnectionState = iota

	// StateConnecting means the client is dialing and waiting for the server welcome.
	StateConnecting

	// StateConnected means the handshake completed and sends are accepted.
	StateConnected

	// StateError means the handshake failed. Connect may be called again.
	StateError
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
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StateEvent represents a state change event.
type StateEvent struct {
	OldState ConnectionState
	NewState ConnectionState
	Error    error // Optional error that caused the state change
}
