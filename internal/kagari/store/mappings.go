package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Mapping correlates a message relayed into the control room with the
// session it came from, so operators can quote the relayed copy and have
// the reply routed back. Mappings are ephemeral: they expire on a TTL and
// die with their session or pairing.
type Mapping struct {
	// RelayEventID is the event posted to the control room.
	RelayEventID string
	SessionID    string
	// OriginRoomID is where the participant's original message lives
	// (lobby room or DM room).
	OriginRoomID  string
	OriginEventID string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// PutMapping records a relayed message.
func (s *Store) PutMapping(ctx context.Context, m *Mapping) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_mappings (relay_event_id, session_id, origin_room_id, origin_event_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.RelayEventID, m.SessionID, m.OriginRoomID, m.OriginEventID, m.CreatedAt, m.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to put mapping: %w", err)
	}
	return nil
}

// MappingByRelayEvent resolves a quoted control-room event. Expired rows
// are indistinguishable from absent ones: both return ErrMappingNotFound,
// and a lookup never resurrects an expired mapping.
func (s *Store) MappingByRelayEvent(ctx context.Context, relayEventID string, now time.Time) (*Mapping, error) {
	m := &Mapping{}
	err := s.db.QueryRowContext(ctx, `
		SELECT relay_event_id, session_id, origin_room_id, origin_event_id, created_at, expires_at
		FROM relay_mappings
		WHERE relay_event_id = ? AND expires_at > ?
	`, relayEventID, now).Scan(
		&m.RelayEventID, &m.SessionID, &m.OriginRoomID, &m.OriginEventID, &m.CreatedAt, &m.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	return m, nil
}

// DeleteMapping removes a single mapping, used by single-use reply mode.
func (s *Store) DeleteMapping(ctx context.Context, relayEventID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM relay_mappings WHERE relay_event_id = ?", relayEventID)
	if err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	return nil
}

// DeleteExpiredMappings removes every mapping past its expiry, returning
// the number deleted. Runs both at startup and on the sweep interval.
func (s *Store) DeleteExpiredMappings(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM relay_mappings WHERE expires_at <= ?", now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired mappings: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n, nil
}

// CountLiveMappings counts mappings that have not yet expired.
func (s *Store) CountLiveMappings(ctx context.Context, now time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM relay_mappings WHERE expires_at > ?", now,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count mappings: %w", err)
	}
	return count, nil
}
