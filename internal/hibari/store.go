// Package hibari is the announcement bot: admins batch-mention the members
// of a room, with a per-room cooldown and pause switch.
package hibari

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Store persists hibari's per-room state. Nothing here is sensitive, so
// unlike the relay store the columns are plain.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS room_state (
    room_id     TEXT PRIMARY KEY,
    paused      INTEGER NOT NULL DEFAULT 0,
    last_tag_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS matrix_sync_state (
    user_id TEXT NOT NULL,
    key     TEXT NOT NULL,
    value   TEXT NOT NULL,
    PRIMARY KEY (user_id, key)
);
`

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for the gateway sync store.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetPaused flips the room's pause switch.
func (s *Store) SetPaused(ctx context.Context, roomID string, paused bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_state (room_id, paused) VALUES (?, ?)
		ON CONFLICT(room_id) DO UPDATE SET paused = excluded.paused
	`, roomID, paused)
	if err != nil {
		return fmt.Errorf("failed to set paused: %w", err)
	}
	return nil
}

// Paused reports whether tagging is paused in the room.
func (s *Store) Paused(ctx context.Context, roomID string) (bool, error) {
	var paused bool
	err := s.db.QueryRowContext(ctx,
		"SELECT paused FROM room_state WHERE room_id = ?", roomID,
	).Scan(&paused)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get paused: %w", err)
	}
	return paused, nil
}

// LastTag returns when the room was last tagged, zero when never.
func (s *Store) LastTag(ctx context.Context, roomID string) (time.Time, error) {
	var at sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT last_tag_at FROM room_state WHERE room_id = ?", roomID,
	).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last tag: %w", err)
	}
	if !at.Valid {
		return time.Time{}, nil
	}
	return at.Time, nil
}

// RecordTag stores the time of the room's latest tag.
func (s *Store) RecordTag(ctx context.Context, roomID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_state (room_id, last_tag_at) VALUES (?, ?)
		ON CONFLICT(room_id) DO UPDATE SET last_tag_at = excluded.last_tag_at
	`, roomID, at)
	if err != nil {
		return fmt.Errorf("failed to record tag: %w", err)
	}
	return nil
}
