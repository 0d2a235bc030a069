package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Pairing links a lobby room to a control room. While ControlRoomID is NULL
// the pairing is pending: the lobby has been marked but no control room has
// claimed it yet.
type Pairing struct {
	ID            string
	LobbyRoomID   string
	ControlRoomID sql.NullString
	Anonymous     bool
	Confirmations bool
	Greeting      string
	CreatedBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Pending reports whether the pairing still lacks a control room.
func (p *Pairing) Pending() bool {
	return !p.ControlRoomID.Valid
}

const pairingColumns = `id, lobby_room_id, control_room_id, anonymous, confirmations,
	greeting, created_by, created_at, updated_at`

func scanPairing(row interface{ Scan(...any) error }) (*Pairing, error) {
	p := &Pairing{}
	err := row.Scan(&p.ID, &p.LobbyRoomID, &p.ControlRoomID, &p.Anonymous,
		&p.Confirmations, &p.Greeting, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CreatePendingPairing marks a lobby room, beginning a pairing. Fails with
// ErrAlreadyPaired when the room is already a lobby (pending or completed)
// and with ErrAlreadyPaired when it already serves as a control room.
func (s *Store) CreatePendingPairing(ctx context.Context, lobbyRoomID, createdBy string, anonymous bool, greeting string) (*Pairing, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM room_pairings
		WHERE lobby_room_id = ? OR control_room_id = ?
	`, lobbyRoomID, lobbyRoomID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing pairings: %w", err)
	}
	if exists > 0 {
		return nil, ErrAlreadyPaired
	}

	now := time.Now()
	p := &Pairing{
		ID:          uuid.NewString(),
		LobbyRoomID: lobbyRoomID,
		Anonymous:   anonymous,
		Greeting:    greeting,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO room_pairings (id, lobby_room_id, control_room_id, anonymous, confirmations,
			greeting, created_by, created_at, updated_at)
		VALUES (?, ?, NULL, ?, 0, ?, ?, ?, ?)
	`, p.ID, p.LobbyRoomID, p.Anonymous, p.Greeting, p.CreatedBy, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create pending pairing: %w", err)
	}

	return p, nil
}

// CompleteLatestPending attaches a control room to the most recent pending
// pairing created by the same admin. Returns ErrNoPendingPairing when that
// admin has no pairing waiting, ErrAlreadyPaired when the control room is a
// lobby somewhere.
func (s *Store) CompleteLatestPending(ctx context.Context, controlRoomID, createdBy string) (*Pairing, error) {
	var isLobby int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM room_pairings WHERE lobby_room_id = ?", controlRoomID,
	).Scan(&isLobby)
	if err != nil {
		return nil, fmt.Errorf("failed to check control room: %w", err)
	}
	if isLobby > 0 {
		return nil, ErrAlreadyPaired
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	p, err := scanPairing(tx.QueryRowContext(ctx, `
		SELECT `+pairingColumns+`
		FROM room_pairings
		WHERE control_room_id IS NULL AND created_by = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, createdBy))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoPendingPairing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending pairing: %w", err)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE room_pairings SET control_room_id = ?, updated_at = ? WHERE id = ?
	`, controlRoomID, now, p.ID); err != nil {
		return nil, fmt.Errorf("failed to complete pairing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit pairing: %w", err)
	}

	p.ControlRoomID = sql.NullString{String: controlRoomID, Valid: true}
	p.UpdatedAt = now
	return p, nil
}

// PairingByID retrieves a pairing by its ID.
func (s *Store) PairingByID(ctx context.Context, id string) (*Pairing, error) {
	p, err := scanPairing(s.db.QueryRowContext(ctx, `
		SELECT `+pairingColumns+` FROM room_pairings WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPairingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pairing: %w", err)
	}
	return p, nil
}

// PairingByLobby retrieves the pairing whose lobby is the given room.
func (s *Store) PairingByLobby(ctx context.Context, lobbyRoomID string) (*Pairing, error) {
	p, err := scanPairing(s.db.QueryRowContext(ctx, `
		SELECT `+pairingColumns+` FROM room_pairings WHERE lobby_room_id = ?
	`, lobbyRoomID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPairingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pairing: %w", err)
	}
	return p, nil
}

// PairingsByControl lists every pairing served by the given control room,
// oldest first.
func (s *Store) PairingsByControl(ctx context.Context, controlRoomID string) ([]*Pairing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pairingColumns+` FROM room_pairings
		WHERE control_room_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, controlRoomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pairings: %w", err)
	}
	defer rows.Close()
	return collectPairings(rows)
}

// OldestCompletedPairing returns the first pairing that has a control room,
// used to route direct messages from senders with no lobby session.
func (s *Store) OldestCompletedPairing(ctx context.Context) (*Pairing, error) {
	p, err := scanPairing(s.db.QueryRowContext(ctx, `
		SELECT ` + pairingColumns + ` FROM room_pairings
		WHERE control_room_id IS NOT NULL
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1
	`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPairingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get oldest pairing: %w", err)
	}
	return p, nil
}

// ListPairings returns all pairings, oldest first.
func (s *Store) ListPairings(ctx context.Context) ([]*Pairing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ` + pairingColumns + ` FROM room_pairings ORDER BY created_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pairings: %w", err)
	}
	defer rows.Close()
	return collectPairings(rows)
}

func collectPairings(rows *sql.Rows) ([]*Pairing, error) {
	var pairings []*Pairing
	for rows.Next() {
		p, err := scanPairing(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pairing: %w", err)
		}
		pairings = append(pairings, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pairings: %w", err)
	}
	return pairings, nil
}

// DeletePairing removes a pairing. Sessions and relay mappings under it go
// with it via foreign-key cascade, which is what invalidates every pseudonym
// and quote target the moment a room is unpaired.
func (s *Store) DeletePairing(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM room_pairings WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete pairing: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrPairingNotFound
	}
	return nil
}

// SetPairingAnonymous toggles pseudonym labeling for a pairing.
func (s *Store) SetPairingAnonymous(ctx context.Context, id string, on bool) error {
	return s.updatePairingFlag(ctx, id, "anonymous", on)
}

// SetPairingConfirmations toggles delivery-confirmation reactions.
func (s *Store) SetPairingConfirmations(ctx context.Context, id string, on bool) error {
	return s.updatePairingFlag(ctx, id, "confirmations", on)
}

func (s *Store) updatePairingFlag(ctx context.Context, id, column string, on bool) error {
	// column is one of two compile-time constants, never user input.
	result, err := s.db.ExecContext(ctx,
		"UPDATE room_pairings SET "+column+" = ?, updated_at = ? WHERE id = ?",
		on, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update pairing %s: %w", column, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrPairingNotFound
	}
	return nil
}

// SetPairingGreeting updates the lobby greeting text.
func (s *Store) SetPairingGreeting(ctx context.Context, id, greeting string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE room_pairings SET greeting = ?, updated_at = ? WHERE id = ?",
		greeting, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update greeting: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrPairingNotFound
	}
	return nil
}

// NextPseudonymSeq advances the pairing's pseudonym counter and returns the
// new value. The counter only grows, so a label handed out once is never
// handed out again within the pairing, even after its session ends.
func (s *Store) NextPseudonymSeq(ctx context.Context, pairingID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		"UPDATE room_pairings SET pseudonym_seq = pseudonym_seq + 1, updated_at = ? WHERE id = ?",
		time.Now(), pairingID)
	if err != nil {
		return 0, fmt.Errorf("failed to advance pseudonym counter: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return 0, ErrPairingNotFound
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		"SELECT pseudonym_seq FROM room_pairings WHERE id = ?", pairingID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read pseudonym counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit pseudonym counter: %w", err)
	}
	return seq, nil
}
