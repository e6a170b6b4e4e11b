package connection

import "fmt"

// State is the connection lifecycle stage.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// canTransition lists the legal edges of the lifecycle.
func canTransition(from, to State) bool {
	switch from {
	case StateDisconnected:
		return to == StateConnecting || to == StateHandshaking
	case StateConnecting:
		return to == StateHandshaking || to == StateDisconnected
	case StateHandshaking:
		return to == StateConnected || to == StateDisconnected
	case StateConnected:
		return to == StateDisconnected
	}
	return false
}

// Origin records which side opened the link.
type Origin int

const (
	OriginServer Origin = iota
	OriginClient
)

func (o Origin) String() string {
	if o == OriginClient {
		return "client"
	}
	return "server"
}

func (o Origin) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}
