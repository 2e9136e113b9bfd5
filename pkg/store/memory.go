package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NicolasHaas/pirelay/pkg/model"
)

type transcriptKey struct {
	relay string
	user  string
}

// MemoryStore is an in-memory Transcript for tests and for running without a
// database. It mirrors SQLite behavior for validation and ordering, but keeps
// only the newest entries of each relay and user.
type MemoryStore struct {
	mu      sync.RWMutex
	now     func() time.Time
	perUser int
	nextID  int64
	entries map[transcriptKey][]model.TranscriptEntry
}

// NewMemory creates a MemoryStore using time.Now().UTC() that keeps
// MaxRecentLimit entries per relay and user.
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:     now,
		perUser: MaxRecentLimit,
		entries: make(map[transcriptKey][]model.TranscriptEntry),
	}
}

// WithLimit sets how many entries are kept per relay and user; older ones
// are discarded on Append. n <= 0 keeps the current limit.
func (m *MemoryStore) WithLimit(n int) *MemoryStore {
	if n > 0 {
		m.mu.Lock()
		m.perUser = n
		m.mu.Unlock()
	}
	return m
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) Append(_ context.Context, e *model.TranscriptEntry) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	e.CreatedAt = m.now().Truncate(time.Millisecond)

	key := transcriptKey{relay: e.Relay, user: e.User}
	list := append(m.entries[key], *e)
	if len(list) > m.perUser {
		// Shift in place so the backing array stays at perUser+1.
		n := copy(list, list[len(list)-m.perUser:])
		list = list[:n]
	}
	m.entries[key] = list
	return nil
}

func (m *MemoryStore) Recent(_ context.Context, relay, user string, limit int) ([]model.TranscriptEntry, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.entries[transcriptKey{relay: relay, user: user}]
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	if len(list) == 0 {
		return nil, nil
	}
	return append([]model.TranscriptEntry(nil), list...), nil
}
