package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session statuses.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// Session is one participant's presence under a pairing (or, when PairingID
// is NULL, a standalone direct-message session). Sender and DisplayName are
// plaintext in memory only; at rest they live in encrypted columns.
type Session struct {
	ID        string
	PairingID sql.NullString
	// Sender is the participant's real user ID.
	Sender string
	// DisplayName is stored only when the owning pairing is not anonymous;
	// empty otherwise.
	DisplayName  string
	DMRoomID     sql.NullString
	Pseudonym    string
	Status       string
	JoinNoticeID sql.NullString
	FirstSeenAt  time.Time
	EndedAt      sql.NullTime
}

const sessionColumns = `id, pairing_id, sender_enc, display_enc, dm_room_id,
	pseudonym, status, join_notice_id, first_seen_at, ended_at`

func (s *Store) scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	sess := &Session{}
	var senderEnc, displayEnc []byte
	err := row.Scan(&sess.ID, &sess.PairingID, &senderEnc, &displayEnc, &sess.DMRoomID,
		&sess.Pseudonym, &sess.Status, &sess.JoinNoticeID, &sess.FirstSeenAt, &sess.EndedAt)
	if err != nil {
		return nil, err
	}

	if sess.Sender, err = s.decrypt(senderEnc); err != nil {
		return nil, fmt.Errorf("failed to decrypt session sender: %w", err)
	}
	if len(displayEnc) > 0 {
		if sess.DisplayName, err = s.decrypt(displayEnc); err != nil {
			return nil, fmt.Errorf("failed to decrypt session display name: %w", err)
		}
	}
	return sess, nil
}

// CreateSession inserts a new active session, assigning it an ID. The
// caller decides whether DisplayName is set; anonymous pairings must leave
// it empty so no name ever reaches the database.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = SessionActive
	}
	if sess.FirstSeenAt.IsZero() {
		sess.FirstSeenAt = time.Now()
	}

	senderEnc, err := s.encrypt(sess.Sender)
	if err != nil {
		return fmt.Errorf("failed to encrypt session sender: %w", err)
	}
	var displayEnc []byte
	if sess.DisplayName != "" {
		if displayEnc, err = s.encrypt(sess.DisplayName); err != nil {
			return fmt.Errorf("failed to encrypt session display name: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, pairing_id, sender_hash, sender_enc, display_enc,
			dm_room_id, pseudonym, status, join_notice_id, first_seen_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.PairingID, s.hash(sess.Sender), senderEnc, displayEnc,
		sess.DMRoomID, sess.Pseudonym, sess.Status, sess.JoinNoticeID, sess.FirstSeenAt, sess.EndedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// ActiveSession finds the active session for a sender under a pairing.
func (s *Store) ActiveSession(ctx context.Context, pairingID, sender string) (*Session, error) {
	sess, err := s.scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE pairing_id = ? AND sender_hash = ? AND status = ?
	`, pairingID, s.hash(sender), SessionActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// ActiveDirectSession finds the active standalone DM session for a sender.
func (s *Store) ActiveDirectSession(ctx context.Context, sender string) (*Session, error) {
	sess, err := s.scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE pairing_id IS NULL AND sender_hash = ? AND status = ?
	`, s.hash(sender), SessionActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get direct session: %w", err)
	}
	return sess, nil
}

// SessionByID retrieves a session regardless of status.
func (s *Store) SessionByID(ctx context.Context, id string) (*Session, error) {
	sess, err := s.scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// SessionByDMRoom finds the active session bound to a 1:1 room.
func (s *Store) SessionByDMRoom(ctx context.Context, roomID string) (*Session, error) {
	sess, err := s.scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE dm_room_id = ? AND status = ?
	`, roomID, SessionActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session by dm room: %w", err)
	}
	return sess, nil
}

// ActiveSessionByPseudonym finds a pairing's live session by its label.
func (s *Store) ActiveSessionByPseudonym(ctx context.Context, pairingID, pseudonym string) (*Session, error) {
	sess, err := s.scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE pairing_id = ? AND pseudonym = ? AND status = ?
	`, pairingID, pseudonym, SessionActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session by pseudonym: %w", err)
	}
	return sess, nil
}

// ActiveDirectSessionByPseudonym finds a standalone DM session by its label.
func (s *Store) ActiveDirectSessionByPseudonym(ctx context.Context, pseudonym string) (*Session, error) {
	sess, err := s.scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE pairing_id IS NULL AND pseudonym = ? AND status = ?
	`, pseudonym, SessionActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get direct session by pseudonym: %w", err)
	}
	return sess, nil
}

// SessionByJoinNotice resolves the session announced by a control-room join
// notification, letting operators quote that notification to reach the
// participant.
func (s *Store) SessionByJoinNotice(ctx context.Context, eventID string) (*Session, error) {
	sess, err := s.scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE join_notice_id = ? AND status = ?
	`, eventID, SessionActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session by join notice: %w", err)
	}
	return sess, nil
}

// SetSessionDMRoom binds the 1:1 room used to reach the participant.
func (s *Store) SetSessionDMRoom(ctx context.Context, id, roomID string) error {
	return s.updateSessionColumn(ctx, id, "dm_room_id", roomID)
}

// SetSessionJoinNotice records the control-room join notification event ID.
func (s *Store) SetSessionJoinNotice(ctx context.Context, id, eventID string) error {
	return s.updateSessionColumn(ctx, id, "join_notice_id", eventID)
}

func (s *Store) updateSessionColumn(ctx context.Context, id, column, value string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET "+column+" = ? WHERE id = ?", value, id)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", column, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// EndSession marks a session ended. Its relay mappings are deleted: an
// ended session must not remain quotable.
func (s *Store) EndSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		"UPDATE sessions SET status = ?, ended_at = ? WHERE id = ? AND status = ?",
		SessionEnded, time.Now(), id, SessionActive)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSessionNotFound
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM relay_mappings WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete session mappings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session end: %w", err)
	}
	return nil
}

// CountActiveSessions counts the live sessions under a pairing.
func (s *Store) CountActiveSessions(ctx context.Context, pairingID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE pairing_id = ? AND status = ?",
		pairingID, SessionActive,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}
