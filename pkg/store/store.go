// Package store provides persistence for relay chat transcripts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/pirelay/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05.000"

// Store is the SQLite-backed Transcript.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (or creates) a SQLite database and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set WAL: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS transcript (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		relay      TEXT    NOT NULL,
		user       TEXT    NOT NULL CHECK(length(user) > 0),
		direction  TEXT    NOT NULL CHECK(direction IN ('in', 'out')),
		sender     TEXT    NOT NULL,
		body       TEXT    NOT NULL,
		color      TEXT    NOT NULL DEFAULT '',
		is_system  INTEGER NOT NULL DEFAULT 0,
		created_at TEXT    NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transcript_user ON transcript(relay, user, id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Append(ctx context.Context, e *model.TranscriptEntry) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}

	created := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transcript (relay, user, direction, sender, body, color, is_system, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Relay, e.User, string(e.Direction), e.Sender, e.Body, e.Color, e.IsSystem, created.Format(dbTimeLayout))
	if err != nil {
		return fmt.Errorf("store: append: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	e.CreatedAt = created.Truncate(time.Millisecond)
	return nil
}

func (s *Store) Recent(ctx context.Context, relay, user string, limit int) ([]model.TranscriptEntry, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, relay, user, direction, sender, body, color, is_system, created_at
		FROM transcript
		WHERE relay = ? AND user = ?
		ORDER BY id DESC
		LIMIT ?`, relay, user, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.TranscriptEntry
	for rows.Next() {
		var e model.TranscriptEntry
		var direction, createdAt string
		if err := rows.Scan(&e.ID, &e.Relay, &e.User, &direction, &e.Sender, &e.Body, &e.Color, &e.IsSystem, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan entry: %w", err)
		}
		e.Direction = model.Direction(direction)
		e.CreatedAt, err = time.Parse(dbTimeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("store: parse created_at: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	reverse(out)
	return out, nil
}

func reverse(entries []model.TranscriptEntry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}
