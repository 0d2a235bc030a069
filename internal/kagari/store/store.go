// Package store persists relay state in SQLite. Identity-bearing columns
// (participant user IDs, display names, DM peers) are encrypted at rest with
// AES-256-GCM; equality lookups go through keyed-hash index columns instead
// of the ciphertext.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/bdobrica/Kagari/common/crypto"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Sentinel errors for expected not-found conditions. Callers use errors.Is
// to turn these into user-visible replies instead of generic failures.
var (
	ErrPairingNotFound  = errors.New("pairing not found")
	ErrNoPendingPairing = errors.New("no pending lobby pairing")
	ErrAlreadyPaired    = errors.New("room is already part of a pairing")
	ErrSessionNotFound  = errors.New("session not found")
	ErrMappingNotFound  = errors.New("relay mapping not found or expired")

	ErrAlreadyAuthorized = errors.New("user is already authorized")
	ErrUserNotAuthorized = errors.New("user is not authorized")
)

// Store wraps the database connection and the at-rest encryption key.
type Store struct {
	db  *sql.DB
	key []byte
}

// New opens (or creates) the database, runs migrations, and binds the
// 32-byte master key used for column encryption.
func New(dbPath string, masterKey []byte) (*Store, error) {
	if len(masterKey) != crypto.KeySize {
		return nil, crypto.ErrInvalidKeySize
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite is single-writer by design. Keep a single shared connection so
	// concurrent callers are serialized by database/sql instead of fighting for
	// write locks across multiple underlying connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",    // mapping/session cascades depend on this
		"PRAGMA journal_mode = WAL",   // Write-Ahead Logging for better concurrency
		"PRAGMA synchronous = NORMAL", // Balance between safety and speed
		"PRAGMA busy_timeout = 5000",  // Wait up to 5s for locks
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	store := &Store{db: db, key: masterKey}

	if err := store.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection. The gateway sync store
// shares it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// encrypt seals a plaintext identity value for storage.
func (s *Store) encrypt(value string) ([]byte, error) {
	return crypto.EncryptString(s.key, value)
}

// decrypt opens a stored identity value.
func (s *Store) decrypt(blob []byte) (string, error) {
	return crypto.DecryptString(s.key, blob)
}

// hash produces the deterministic lookup digest stored next to each
// encrypted column.
func (s *Store) hash(value string) string {
	return crypto.HashIndex(s.key, value)
}

// runMigrations applies all pending migrations in filename order, each in
// its own transaction.
func (s *Store) runMigrations() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		// Extract version from filename (e.g., "0001_init.sql" -> 1)
		parts := strings.SplitN(entry.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		description := strings.TrimSuffix(parts[1], ".sql")

		if version <= currentVersion {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", version, err)
		}

		_, err = tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			version, time.Now(), description,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}

		slog.Info("applied migration", "version", fmt.Sprintf("%04d", version), "description", description)
	}

	return nil
}
