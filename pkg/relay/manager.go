// Package relay multiplexes named chat users onto per-user transports to the
// chat backend. A Manager owns one Registry of sessions, keeps each session's
// transport connected according to its Policy, and fans inbound messages out
// to at most one Listener per session.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/NicolasHaas/pirelay/pkg/logging"
	"github.com/NicolasHaas/pirelay/pkg/model"
	"github.com/NicolasHaas/pirelay/pkg/transport"
)

var (
	ErrConnectFailed  = errors.New("relay: connection failed")
	ErrConnectTimeout = errors.New("relay: connect timed out")
	ErrNotConnected   = errors.New("relay: not connected")
	ErrSessionClosed  = errors.New("relay: session closed")
)

// Observer receives relay events. Calls happen on relay goroutines and must
// not block.
type Observer interface {
	OnConnect(username string)
	OnDisconnect(username string, err error)
	OnDialFailure(username string, err error)
	OnReceive(username string, msg model.Message, delivered bool)
	OnSend(username string, msg model.Message, err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) OnConnect(string)                      {}
func (NopObserver) OnDisconnect(string, error)            {}
func (NopObserver) OnDialFailure(string, error)           {}
func (NopObserver) OnReceive(string, model.Message, bool) {}
func (NopObserver) OnSend(string, model.Message, error)   {}

// Options configures a Manager.
type Options struct {
	Name           string // relay name used in logs (e.g. "chat")
	Dialer         transport.Dialer
	Registry       *Registry // fresh registry when nil
	Policy         Policy
	ListenerBuffer int      // DefaultListenerBuffer when zero
	Observer       Observer // NopObserver when nil
}

// Manager is the connection manager and message relay for one backend.
type Manager struct {
	name     string
	dialer   transport.Dialer
	registry *Registry
	policy   Policy
	buffer   int
	obs      Observer
	log      *slog.Logger

	wg sync.WaitGroup // read loops

	mu     sync.Mutex
	closed bool
}

// NewManager creates a Manager. It does not dial until a user logs in.
func NewManager(opts Options) *Manager {
	reg := opts.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	obs := opts.Observer
	if obs == nil {
		obs = NopObserver{}
	}
	buffer := opts.ListenerBuffer
	if buffer <= 0 {
		buffer = DefaultListenerBuffer
	}
	return &Manager{
		name:     opts.Name,
		dialer:   opts.Dialer,
		registry: reg,
		policy:   opts.Policy,
		buffer:   buffer,
		obs:      obs,
		log:      logging.Component("relay").With("relay", opts.Name),
	}
}

// Name returns the relay name.
func (m *Manager) Name() string { return m.name }

// Registry returns the session registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Policy returns the failure policy.
func (m *Manager) Policy() Policy { return m.policy }

// State returns the connection state for username.
func (m *Manager) State(username string) model.ConnState {
	if s := m.registry.Get(username); s != nil {
		return s.State()
	}
	return model.StateDisconnected
}

// EnsureConnected makes sure username has a live transport, creating the
// session on first use. It does nothing when already connected.
//
// With a retrying policy a failed attempt is logged, a retry is scheduled and
// nil is returned. Otherwise the failure is returned wrapped in
// ErrConnectFailed.
func (m *Manager) EnsureConnected(ctx context.Context, username, color string) error {
	s, err := m.session(username, color)
	if err != nil {
		return err
	}
	return m.ensure(ctx, s)
}

// session looks up or creates the session for username. Holding m.mu across
// creation keeps Close from draining the registry in between.
func (m *Manager) session(username, color string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrSessionClosed
	}
	s, created := m.registry.GetOrCreate(username, color)
	if created {
		m.log.Debug("session created", "user", username)
	}
	return s, nil
}

func (m *Manager) ensure(ctx context.Context, s *Session) error {
	err := m.connect(ctx, s)
	if err != nil && m.policy.Retries() && !errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}

// connect performs one attempt unless the session is already connected.
func (m *Manager) connect(ctx context.Context, s *Session) error {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state == model.StateConnected {
		s.mu.Unlock()
		return nil
	}
	if s.retry != nil {
		// An explicit attempt replaces the scheduled one.
		s.retry.Stop()
		s.retry = nil
	}
	s.state = model.StateConnecting
	color := s.color
	s.mu.Unlock()

	conn, err := m.dial(ctx, s, color)
	if err != nil {
		m.connectFailed(s, err)
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrSessionClosed
	}
	s.conn = conn
	s.state = model.StateConnected
	s.lastErr = nil
	m.wg.Add(1)
	s.mu.Unlock()

	m.log.Info("connected", "user", s.username)
	m.obs.OnConnect(s.username)
	go m.readLoop(s, conn)
	return nil
}

// dial opens a transport and sends the handshake. The attempt is aborted by
// session teardown, by the caller's ctx, or by the policy's connect timeout.
func (m *Manager) dial(ctx context.Context, s *Session, color string) (transport.Conn, error) {
	dctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if m.policy.ConnectTimeout > 0 {
		var tcancel context.CancelFunc
		dctx, tcancel = context.WithTimeout(dctx, m.policy.ConnectTimeout)
		defer tcancel()
	}

	conn, err := m.dialer.Dial(dctx)
	if err == nil {
		if err = conn.Handshake(dctx, s.username, color); err != nil {
			_ = conn.Close()
		}
	}
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %w", ErrConnectTimeout, m.policy.ConnectTimeout, err)
		}
		return nil, err
	}
	return conn, nil
}

func (m *Manager) connectFailed(s *Session, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.lastErr = err
	if m.policy.Retries() {
		s.state = model.StateDisconnected
	} else {
		s.state = model.StateFailed
	}
	s.mu.Unlock()

	m.obs.OnDialFailure(s.username, err)
	if m.policy.Retries() {
		m.log.Warn("connect failed", "user", s.username, "retry_in", m.policy.ReconnectDelay, "err", err)
		m.scheduleRetry(s)
		return
	}
	m.log.Warn("connect failed", "user", s.username, "err", err)
}

// scheduleRetry arms a single reconnect timer for s.
func (m *Manager) scheduleRetry(s *Session) {
	if !m.policy.Retries() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.retry != nil {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(m.policy.ReconnectDelay, func() {
		s.mu.Lock()
		if s.closed || s.retry != t {
			s.mu.Unlock()
			return
		}
		s.retry = nil
		s.mu.Unlock()

		m.log.Debug("reconnecting", "user", s.username)
		_ = m.connect(s.ctx, s)
	})
	s.retry = t
}

// readLoop is the only reader of conn. Delivery order is arrival order.
func (m *Manager) readLoop(s *Session, conn transport.Conn) {
	defer m.wg.Done()
	for {
		msg, err := conn.Receive()
		if err != nil {
			m.connLost(s, conn, err)
			return
		}
		m.deliver(s, msg)
	}
}

func (m *Manager) deliver(s *Session, msg model.Message) {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()

	delivered := false
	if l != nil {
		delivered = l.Offer(msg)
		if !delivered {
			m.log.Warn("listener full, message skipped", "user", s.username, "skipped", l.Skipped())
		}
	}
	m.obs.OnReceive(s.username, msg, delivered)
}

// connLost handles a transport that closed or failed while connected. The
// active stream ends and, if the policy allows, a reconnect is scheduled.
func (m *Manager) connLost(s *Session, conn transport.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		// Torn down on purpose; nothing to recover.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.lastErr = err
	if m.policy.Retries() {
		s.state = model.StateDisconnected
	} else {
		s.state = model.StateFailed
	}
	l := s.listener
	s.listener = nil
	s.mu.Unlock()

	_ = conn.Close()
	if l != nil {
		l.Close()
	}
	m.log.Info("transport closed", "user", s.username, "err", err)
	m.obs.OnDisconnect(s.username, err)
	m.scheduleRetry(s)
}

// teardown closes everything a removed session holds.
func (m *Manager) teardown(s *Session) {
	conn, l := s.shutdown()
	if l != nil {
		l.Close()
	}
	if conn != nil {
		_ = conn.Close()
		m.obs.OnDisconnect(s.username, nil)
	}
	m.log.Debug("session removed", "user", s.username)
}

// Close tears down every session and waits for read loops to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	for _, s := range m.registry.drain() {
		m.teardown(s)
	}
	m.wg.Wait()
}
