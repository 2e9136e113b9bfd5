package relay

import (
	"context"
	"fmt"

	"github.com/NicolasHaas/pirelay/pkg/model"
)

// Send delivers body from username to the backend, connecting first if
// needed.
//
// With a retrying policy a missing transport or a failed write is logged and
// the message is dropped; the caller sees nil. A failed write closes the
// transport so the reconnect path takes over.
func (m *Manager) Send(ctx context.Context, username, color, body string) error {
	s, err := m.session(username, color)
	if err != nil {
		return err
	}
	if err := m.ensure(ctx, s); err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	msg := model.NewMessage(username, body, s.color)
	s.mu.Unlock()

	if conn == nil {
		m.obs.OnSend(username, msg, ErrNotConnected)
		if m.policy.Retries() {
			m.log.Warn("no transport, message dropped", "user", username)
			return nil
		}
		return ErrNotConnected
	}

	if err := conn.Send(msg); err != nil {
		m.obs.OnSend(username, msg, err)
		_ = conn.Close()
		if m.policy.Retries() {
			m.log.Warn("send failed, message dropped", "user", username, "err", err)
			return nil
		}
		return fmt.Errorf("relay: send: %w", err)
	}
	m.obs.OnSend(username, msg, nil)
	return nil
}

// Subscribe attaches a new listener to username's session, connecting first
// if needed. A previous listener is superseded: its stream is ended and it
// receives nothing further.
//
// With a retrying policy the listener is attached even while the transport
// is down and starts receiving once a reconnect succeeds. Without one,
// Subscribe fails with ErrNotConnected if the transport is already gone.
func (m *Manager) Subscribe(ctx context.Context, username string) (*Listener, error) {
	s, err := m.session(username, "")
	if err != nil {
		return nil, err
	}
	if err := m.ensure(ctx, s); err != nil {
		return nil, err
	}

	l := NewListener(username, m.buffer)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if !m.policy.Retries() && s.state != model.StateConnected {
		// The transport died before the listener was attached and nothing
		// will reconnect, so the stream would never end.
		lastErr := s.lastErr
		s.mu.Unlock()
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotConnected, lastErr)
		}
		return nil, ErrNotConnected
	}
	old := s.listener
	s.listener = l
	s.mu.Unlock()

	if old != nil {
		old.Close()
		m.log.Info("listener superseded", "user", username, "old", old.ID(), "new", l.ID())
	}
	m.log.Debug("listener attached", "user", username, "listener", l.ID())
	return l, nil
}

// Unsubscribe detaches the listener with the given id from username's
// session. The transport stays open for a later Subscribe. It reports whether
// a listener was detached; a superseded or unknown id is a no-op.
func (m *Manager) Unsubscribe(username, id string) bool {
	s := m.registry.Get(username)
	if s == nil {
		return false
	}
	s.mu.Lock()
	l := s.listener
	if l == nil || l.ID() != id {
		s.mu.Unlock()
		return false
	}
	s.listener = nil
	s.mu.Unlock()

	l.Close()
	m.log.Debug("listener detached", "user", username, "listener", id)
	return true
}

// Disconnect logs username out: pending reconnects and in-flight dials are
// cancelled, the transport is closed and the session removed. It does not
// wait for a dial in progress. It reports whether a session existed.
func (m *Manager) Disconnect(username string) bool {
	s := m.registry.Remove(username)
	if s == nil {
		return false
	}
	m.teardown(s)
	m.log.Info("disconnected", "user", username)
	return true
}
