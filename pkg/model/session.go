package model

// ConnState is the connection state of a relay session.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	// StateFailed is terminal for relays that do not reconnect on their own.
	// Only a fresh login moves a session out of it.
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON and logs.
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
