package device

// State represents the lifecycle state of the cloud session.
type State int

const (
	// StateDisconnected is the initial state, and the final state after
	// a user-initiated disconnect.
	StateDisconnected State = iota

	// StateConnecting means a socket is being established.
	StateConnecting

	// StateHandshaking means session establishment is in progress.
	StateHandshaking

	// StateConnected means the session is up: the channel handshake
	// finished, the Hello was sent and, on TCP, answered. Subscriptions
	// are replayed after this state is entered.
	StateConnected

	// StateReconnecting means a session failed and the client is
	// waiting out the reconnect delay.
	StateReconnecting
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateHandshaking:
		return "Handshaking"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the state is a defined value.
func (s State) IsValid() bool {
	return s >= StateDisconnected && s <= StateReconnecting
}
