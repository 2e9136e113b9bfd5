package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/NicolasHaas/pirelay/pkg/model"
	"github.com/NicolasHaas/pirelay/pkg/wire"
)

// DefaultSocketPath is where the chat backend listens.
const DefaultSocketPath = "/tmp/go-server.sock"

const readChunkSize = 4096

// UnixDialer connects to the backend's Unix domain socket.
type UnixDialer struct {
	Path string
}

// Dial opens the socket. The returned Conn speaks the text line protocol.
func (d UnixDialer) Dial(ctx context.Context) (Conn, error) {
	path := d.Path
	if path == "" {
		path = DefaultSocketPath
	}
	var nd net.Dialer
	c, err := nd.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", path, err)
	}
	return NewLineConn(c), nil
}

// lineConn speaks the newline-delimited text protocol over any net.Conn.
type lineConn struct {
	conn net.Conn
	wmu  sync.Mutex

	dec     *wire.Decoder
	queue   []model.Message
	buf     []byte
	dropped int

	closeOnce sync.Once
	closed    chan struct{}
}

// NewLineConn wraps an established stream connection.
func NewLineConn(c net.Conn) Conn {
	return &lineConn{
		conn:   c,
		dec:    wire.NewDecoder(),
		buf:    make([]byte, readChunkSize),
		closed: make(chan struct{}),
	}
}

func (c *lineConn) Handshake(ctx context.Context, username, color string) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Now())
		close(fired)
	})
	// The deadline must be cleared after the cancel hook is done with it,
	// or later Sends inherit a deadline in the past.
	defer func() {
		if !stop() {
			<-fired
		}
		_ = c.conn.SetWriteDeadline(time.Time{})
	}()

	if err := c.write(wire.EncodeHandshake(username, color)); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("transport: handshake: %w", ctx.Err())
		}
		return fmt.Errorf("transport: handshake: %w", err)
	}
	return nil
}

func (c *lineConn) Send(msg model.Message) error {
	if err := c.write(wire.EncodeChat(msg.Sender, msg.Body)); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

func (c *lineConn) write(p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	_, err := c.conn.Write(p)
	return err
}

func (c *lineConn) Receive() (model.Message, error) {
	for len(c.queue) == 0 {
		n, err := c.conn.Read(c.buf)
		if n > 0 {
			c.queue = append(c.queue, c.dec.Feed(c.buf[:n])...)
			if d := c.dec.Discarded(); d > c.dropped {
				slog.Debug("discarded malformed records", "count", d-c.dropped)
				c.dropped = d
			}
		}
		if err != nil {
			if len(c.queue) > 0 {
				break
			}
			select {
			case <-c.closed:
				return model.Message{}, ErrClosed
			default:
			}
			if errors.Is(err, io.EOF) {
				return model.Message{}, io.EOF
			}
			return model.Message{}, fmt.Errorf("transport: receive: %w", err)
		}
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	return msg, nil
}

func (c *lineConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
