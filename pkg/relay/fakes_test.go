package relay

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/NicolasHaas/pirelay/pkg/model"
	"github.com/NicolasHaas/pirelay/pkg/transport"
)

// fakeConn records writes and serves messages pushed by the test.
type fakeConn struct {
	mu         sync.Mutex
	handshakes []string
	sent       []model.Message
	sendErr    error

	incoming  chan model.Message
	hangup    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	hangOnce  sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan model.Message, 256),
		hangup:   make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) Handshake(_ context.Context, username, color string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshakes = append(c.handshakes, username+":"+color)
	return nil
}

func (c *fakeConn) Send(msg model.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Receive() (model.Message, error) {
	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.hangup:
		return model.Message{}, io.EOF
	case <-c.closed:
		return model.Message{}, transport.ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Hangup simulates the backend closing the connection.
func (c *fakeConn) Hangup() {
	c.hangOnce.Do(func() { close(c.hangup) })
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Handshakes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.handshakes...)
}

func (c *fakeConn) Sent() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Message(nil), c.sent...)
}

// fakeDialer hands out fakeConns, or delegates to dialFn when set.
type fakeDialer struct {
	mu     sync.Mutex
	dials  int
	conns  []*fakeConn
	dialFn func(ctx context.Context, n int) (transport.Conn, error)
}

func (d *fakeDialer) Dial(ctx context.Context) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	fn := d.dialFn
	d.mu.Unlock()

	if fn != nil {
		return fn(ctx, n)
	}
	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// countingObserver tallies relay events.
type countingObserver struct {
	mu           sync.Mutex
	connects     int
	disconnects  int
	dialFailures int
	received     int
	delivered    int
	sent         int
	sendErrors   int
}

func (o *countingObserver) OnConnect(string) {
	o.mu.Lock()
	o.connects++
	o.mu.Unlock()
}

func (o *countingObserver) OnDisconnect(string, error) {
	o.mu.Lock()
	o.disconnects++
	o.mu.Unlock()
}

func (o *countingObserver) OnDialFailure(string, error) {
	o.mu.Lock()
	o.dialFailures++
	o.mu.Unlock()
}

func (o *countingObserver) OnReceive(_ string, _ model.Message, delivered bool) {
	o.mu.Lock()
	o.received++
	if delivered {
		o.delivered++
	}
	o.mu.Unlock()
}

func (o *countingObserver) OnSend(_ string, _ model.Message, err error) {
	o.mu.Lock()
	if err != nil {
		o.sendErrors++
	} else {
		o.sent++
	}
	o.mu.Unlock()
}

func (o *countingObserver) Received() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.received
}

func newTestManager(t *testing.T, d transport.Dialer, p Policy, obs Observer) *Manager {
	t.Helper()
	m := NewManager(Options{
		Name:     "test",
		Dialer:   d,
		Registry: NewRegistry(),
		Policy:   p,
		Observer: obs,
	})
	t.Cleanup(m.Close)
	return m
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func recvMessage(t *testing.T, l *Listener) model.Message {
	t.Helper()
	select {
	case msg := <-l.Messages():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return model.Message{}
	}
}
