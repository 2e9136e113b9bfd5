package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/pirelay/pkg/model"
	"github.com/NicolasHaas/pirelay/pkg/wire"
)

// DefaultWebSocketURL is the WebSocket chat backend used by the dashboard.
const DefaultWebSocketURL = "ws://localhost:8080/ws"

const wsWriteWait = 10 * time.Second

// WebSocketDialer connects to a WebSocket chat backend that speaks JSON
// frames.
type WebSocketDialer struct {
	URL    string
	Header http.Header
}

// Dial opens the WebSocket. The connect deadline comes from ctx.
func (d WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	url := d.URL
	if url == "" {
		url = DefaultWebSocketURL
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return &wsConn{ws: ws, closed: make(chan struct{})}, nil
}

type wsConn struct {
	ws  *websocket.Conn
	wmu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *wsConn) Handshake(ctx context.Context, username, color string) error {
	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.writeJSON(wire.HandshakeFrame{Username: username, Color: color}, deadline); err != nil {
		return fmt.Errorf("transport: handshake: %w", err)
	}
	return nil
}

func (c *wsConn) Send(msg model.Message) error {
	frame := wire.ChatFrame{Username: msg.Sender, Message: msg.Body, Color: msg.Color}
	if err := c.writeJSON(frame, time.Now().Add(wsWriteWait)); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// writeJSON serializes writes; gorilla allows one concurrent writer.
func (c *wsConn) writeJSON(v any, deadline time.Time) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteJSON(v)
}

func (c *wsConn) Receive() (model.Message, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return model.Message{}, ErrClosed
			default:
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return model.Message{}, fmt.Errorf("transport: backend closed: %w", err)
			}
			return model.Message{}, fmt.Errorf("transport: receive: %w", err)
		}
		msg, err := wire.DecodeFrame(data)
		if err != nil {
			slog.Debug("discarded malformed frame", "err", err)
			continue
		}
		return msg, nil
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
