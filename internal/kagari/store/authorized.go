package store

import (
	"context"
	"fmt"
	"time"
)

// AuthorizeUser grants userID the right to link lobbies to the given control
// room. Returns ErrAlreadyAuthorized when the grant already exists.
func (s *Store) AuthorizeUser(ctx context.Context, controlRoomID, userID, addedBy string) error {
	userEnc, err := s.encrypt(userID)
	if err != nil {
		return fmt.Errorf("failed to encrypt authorized user: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO authorized_users (control_room_id, user_hash, user_enc, added_by, added_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(control_room_id, user_hash) DO NOTHING
	`, controlRoomID, s.hash(userID), userEnc, addedBy, time.Now())
	if err != nil {
		return fmt.Errorf("failed to authorize user: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrAlreadyAuthorized
	}
	return nil
}

// RevokeAuthorizedUser removes a grant. Returns ErrUserNotAuthorized when no
// such grant exists.
func (s *Store) RevokeAuthorizedUser(ctx context.Context, controlRoomID, userID string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM authorized_users WHERE control_room_id = ? AND user_hash = ?",
		controlRoomID, s.hash(userID))
	if err != nil {
		return fmt.Errorf("failed to revoke authorized user: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrUserNotAuthorized
	}
	return nil
}

// AuthorizedUsers lists the user IDs authorized for a control room, in the
// order they were added.
func (s *Store) AuthorizedUsers(ctx context.Context, controlRoomID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_enc FROM authorized_users
		WHERE control_room_id = ?
		ORDER BY added_at ASC, rowid ASC
	`, controlRoomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list authorized users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var enc []byte
		if err := rows.Scan(&enc); err != nil {
			return nil, fmt.Errorf("failed to scan authorized user: %w", err)
		}
		user, err := s.decrypt(enc)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt authorized user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating authorized users: %w", err)
	}
	return users, nil
}

// IsAuthorizedUser reports whether any control room has authorized userID.
func (s *Store) IsAuthorizedUser(ctx context.Context, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM authorized_users WHERE user_hash = ?", s.hash(userID),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check authorized user: %w", err)
	}
	return count > 0, nil
}
