package store

import (
	"context"
	"errors"

	"github.com/NicolasHaas/pirelay/pkg/model"
)

// ErrInvalidEntry wraps validation failures reported by Append.
var ErrInvalidEntry = errors.New("store: invalid transcript entry")

const (
	// DefaultRecentLimit is used when Recent is called with a non-positive limit.
	DefaultRecentLimit = 50

	// MaxRecentLimit is the most entries callers should ask Recent for. The
	// in-memory store keeps no more than this per relay and user.
	MaxRecentLimit = 500
)

// Transcript persists the messages each relay user sent and received.
// Implementations include the SQLite store and an in-memory store for tests.
type Transcript interface {
	// Append stores e and fills in its ID and CreatedAt.
	Append(ctx context.Context, e *model.TranscriptEntry) error

	// Recent returns up to limit of the newest entries for user on relay,
	// oldest first.
	Recent(ctx context.Context, relay, user string, limit int) ([]model.TranscriptEntry, error)

	// Close releases the underlying storage.
	Close() error
}

// Compile-time checks.
var (
	_ Transcript = (*Store)(nil)
	_ Transcript = (*MemoryStore)(nil)
)
