// Package transport connects a relay session to the chat backend. Both
// backends are reached through the same Conn interface so the relay never
// sees whether it talks to a Unix socket or a WebSocket.
package transport

import (
	"context"
	"errors"

	"github.com/NicolasHaas/pirelay/pkg/model"
)

// ErrClosed is returned by operations on a Conn after Close.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one live connection to the chat backend.
type Conn interface {
	// Handshake announces the user. It must be the first write.
	Handshake(ctx context.Context, username, color string) error

	// Send writes one chat message. Safe for concurrent use.
	Send(msg model.Message) error

	// Receive blocks until the next complete message arrives. It must only
	// be called from one goroutine. io.EOF means the backend hung up.
	Receive() (model.Message, error)

	// Close releases the connection and unblocks Receive.
	Close() error
}

// Dialer opens Conns. Dial must honor ctx cancellation and deadlines.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}
