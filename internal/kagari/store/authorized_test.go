package store

import (
	"context"
	"errors"
	"testing"
)

func TestAuthorizedUserLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.IsAuthorizedUser(ctx, "@bob:example.org")
	if err != nil {
		t.Fatalf("IsAuthorizedUser failed: %v", err)
	}
	if ok {
		t.Error("nobody should be authorized in a fresh store")
	}

	if err := s.AuthorizeUser(ctx, "!control:example.org", "@bob:example.org", "@admin:example.org"); err != nil {
		t.Fatalf("failed to authorize: %v", err)
	}
	if err := s.AuthorizeUser(ctx, "!control:example.org", "@bob:example.org", "@admin:example.org"); !errors.Is(err, ErrAlreadyAuthorized) {
		t.Errorf("expected ErrAlreadyAuthorized, got %v", err)
	}
	// The same user may hold grants in several control rooms.
	if err := s.AuthorizeUser(ctx, "!other:example.org", "@bob:example.org", "@admin:example.org"); err != nil {
		t.Fatalf("second-room grant failed: %v", err)
	}

	ok, err = s.IsAuthorizedUser(ctx, "@bob:example.org")
	if err != nil || !ok {
		t.Errorf("IsAuthorizedUser = %v, %v; want true", ok, err)
	}

	users, err := s.AuthorizedUsers(ctx, "!control:example.org")
	if err != nil {
		t.Fatalf("AuthorizedUsers failed: %v", err)
	}
	if len(users) != 1 || users[0] != "@bob:example.org" {
		t.Errorf("AuthorizedUsers = %v, want [@bob:example.org]", users)
	}

	if err := s.RevokeAuthorizedUser(ctx, "!control:example.org", "@bob:example.org"); err != nil {
		t.Fatalf("failed to revoke: %v", err)
	}
	if err := s.RevokeAuthorizedUser(ctx, "!control:example.org", "@bob:example.org"); !errors.Is(err, ErrUserNotAuthorized) {
		t.Errorf("expected ErrUserNotAuthorized, got %v", err)
	}

	// The grant in the other room survives the revocation.
	ok, err = s.IsAuthorizedUser(ctx, "@bob:example.org")
	if err != nil || !ok {
		t.Errorf("IsAuthorizedUser after partial revoke = %v, %v; want true", ok, err)
	}
}

func TestAuthorizedUserStoredEncrypted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AuthorizeUser(ctx, "!control:example.org", "@bob:example.org", "@admin:example.org"); err != nil {
		t.Fatalf("failed to authorize: %v", err)
	}

	var enc []byte
	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT user_enc, user_hash FROM authorized_users").Scan(&enc, &hash)
	if err != nil {
		t.Fatalf("failed to read raw row: %v", err)
	}
	if string(enc) == "@bob:example.org" {
		t.Error("user ID must not be stored in plaintext")
	}
	if hash == "@bob:example.org" {
		t.Error("hash column must not carry the plaintext user ID")
	}
}
