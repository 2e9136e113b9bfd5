package relay

import "time"

const (
	// DefaultReconnectDelay is the fixed pause between Unix socket attempts.
	DefaultReconnectDelay = 5 * time.Second

	// DefaultConnectTimeout bounds a WebSocket login attempt.
	DefaultConnectTimeout = 7 * time.Second
)

// Policy is a relay's failure posture.
type Policy struct {
	// ReconnectDelay is the fixed wait before retrying after a failed
	// attempt or a dropped transport. Zero disables automatic retry: a
	// failure is returned to the caller and the session is marked failed.
	ReconnectDelay time.Duration

	// ConnectTimeout bounds one dial plus handshake. Zero means no bound
	// beyond the caller's context.
	ConnectTimeout time.Duration
}

// UnixPolicy retries forever every five seconds and never surfaces
// connection errors to callers.
func UnixPolicy() Policy {
	return Policy{ReconnectDelay: DefaultReconnectDelay}
}

// WebSocketPolicy makes one bounded attempt and reports failure.
func WebSocketPolicy() Policy {
	return Policy{ConnectTimeout: DefaultConnectTimeout}
}

// Retries reports whether failures are recovered by scheduled reconnects.
func (p Policy) Retries() bool {
	return p.ReconnectDelay > 0
}
