package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/pirelay/pkg/model"
	"github.com/NicolasHaas/pirelay/pkg/transport"
)

// Session is the relay state for one username. The transport handle is owned
// by the session and only the Manager touches it.
type Session struct {
	username string

	ctx    context.Context // cancelled on teardown; aborts in-flight dials
	cancel context.CancelFunc

	dialMu sync.Mutex // serializes connection attempts

	mu       sync.Mutex
	color    string
	state    model.ConnState
	conn     transport.Conn // non-nil iff state == StateConnected
	listener *Listener
	retry    *time.Timer
	lastErr  error
	closed   bool
}

func newSession(username, color string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		username: username,
		color:    color,
		ctx:      ctx,
		cancel:   cancel,
		state:    model.StateDisconnected,
	}
}

// Username returns the session key.
func (s *Session) Username() string { return s.username }

// Color returns the display color announced in the handshake.
func (s *Session) Color() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.color
}

// State returns the current connection state.
func (s *Session) State() model.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Listening reports whether a subscriber is attached.
func (s *Session) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

// LastError returns the most recent connect or transport error, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// adoptColor sets the color if none was set yet. A session opened by a
// stream request before any login has no color until the first login.
func (s *Session) adoptColor(color string) {
	if color == "" {
		return
	}
	s.mu.Lock()
	if s.color == "" {
		s.color = color
	}
	s.mu.Unlock()
}

// shutdown marks the session closed and hands back what the caller must
// release. It never blocks on an in-flight dial.
func (s *Session) shutdown() (transport.Conn, *Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil
	}
	s.closed = true
	s.cancel()
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	conn, l := s.conn, s.listener
	s.conn, s.listener = nil, nil
	s.state = model.StateDisconnected
	return conn, l
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	Username  string          `json:"username"`
	Color     string          `json:"color"`
	State     model.ConnState `json:"state"`
	Listening bool            `json:"listening"`
}

// Registry maps usernames to sessions. The map lock is held only for lookups,
// so work on one user never waits on another.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for username, or nil.
func (r *Registry) Get(username string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[username]
}

// GetOrCreate returns the session for username, creating it when absent. The
// second result reports whether it was created.
func (r *Registry) GetOrCreate(username, color string) (*Session, bool) {
	if s := r.Get(username); s != nil {
		s.adoptColor(color)
		return s, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[username]; ok {
		s.adoptColor(color)
		return s, false
	}
	s := newSession(username, color)
	r.sessions[username] = s
	return s, true
}

// Remove deletes the session for username and returns it, or nil.
func (r *Registry) Remove(username string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[username]
	if !ok {
		return nil
	}
	delete(r.sessions, username)
	return s
}

// drain removes and returns every session.
func (r *Registry) drain() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for name, s := range r.sessions {
		out = append(out, s)
		delete(r.sessions, name)
	}
	return out
}

// Count returns the number of sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns all sessions sorted by username.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, SessionInfo{
			Username:  s.username,
			Color:     s.color,
			State:     s.state,
			Listening: s.listener != nil,
		})
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}
