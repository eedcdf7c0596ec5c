package uplink

// State is the connection state of a Client.
type State uint8

const (
	// StateDisconnected is the state before Start and after Close.
	StateDisconnected State = iota

	// StateConnecting means the transport is being (re)established.
	StateConnecting

	// StateHandshakeSent means the handshake is written and the ack is awaited.
	StateHandshakeSent

	// StateReady means the handshake completed. Protocol sends go straight
	// to the wire.
	StateReady
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateHandshakeSent:
		return "HandshakeSent"
	case StateReady:
		return "Ready"
	default:
		return "Unknown"
	}
}
