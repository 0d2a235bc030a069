package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Room kinds.
const (
	RoomGroup  = "group"
	RoomDirect = "direct"
)

// UpsertRoom records or refreshes a known room.
func (s *Store) UpsertRoom(ctx context.Context, roomID, kind, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (room_id, kind, name, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET kind = excluded.kind, name = excluded.name, updated_at = excluded.updated_at
	`, roomID, kind, name, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert room: %w", err)
	}
	return nil
}

// RememberDirectRoom records a 1:1 room together with its (encrypted) peer.
func (s *Store) RememberDirectRoom(ctx context.Context, roomID, peer string) error {
	peerEnc, err := s.encrypt(peer)
	if err != nil {
		return fmt.Errorf("failed to encrypt direct room peer: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rooms (room_id, kind, name, peer_hash, peer_enc, updated_at)
		VALUES (?, ?, '', ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET kind = excluded.kind,
			peer_hash = excluded.peer_hash, peer_enc = excluded.peer_enc,
			updated_at = excluded.updated_at
	`, roomID, RoomDirect, s.hash(peer), peerEnc, time.Now())
	if err != nil {
		return fmt.Errorf("failed to remember direct room: %w", err)
	}
	return nil
}

// DirectRooms returns every known 1:1 room as roomID → peer user ID, used
// to seed the gateway's DM classification at startup.
func (s *Store) DirectRooms(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, peer_enc FROM rooms WHERE kind = ? AND peer_enc IS NOT NULL
	`, RoomDirect)
	if err != nil {
		return nil, fmt.Errorf("failed to list direct rooms: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var roomID string
		var peerEnc []byte
		if err := rows.Scan(&roomID, &peerEnc); err != nil {
			return nil, fmt.Errorf("failed to scan direct room: %w", err)
		}
		peer, err := s.decrypt(peerEnc)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt direct room peer: %w", err)
		}
		out[roomID] = peer
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating direct rooms: %w", err)
	}
	return out, nil
}

// NextCounter atomically advances a named counter and returns the new value.
// The direct-session pseudonym namespace ("DM-A", "DM-B", …) draws from one
// of these so labels stay unique across the whole deployment.
func (s *Store) NextCounter(ctx context.Context, name string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
	`, name); err != nil {
		return 0, fmt.Errorf("failed to advance counter: %w", err)
	}

	var value int64
	if err := tx.QueryRowContext(ctx,
		"SELECT value FROM counters WHERE name = ?", name,
	).Scan(&value); err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit counter: %w", err)
	}
	return value, nil
}

// GetSetting reads a named setting, returning "" when unset.
func (s *Store) GetSetting(ctx context.Context, name string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE name = ?", name,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

// SetSetting upserts a named setting.
func (s *Store) SetSetting(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value
	`, name, value)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}
