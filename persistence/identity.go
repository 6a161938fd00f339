// persistence/identity.go
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Identity is the local player: a stable id plus the display name used as
// the participant id on the wire.
type Identity struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IdentityStore keeps the local identity in a SQLite file.
type IdentityStore struct {
	db *sql.DB
}

// OpenIdentityStore opens (or creates) the identity database at path.
func OpenIdentityStore(path string) (*IdentityStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("identity path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS identity (
			slot       INTEGER PRIMARY KEY CHECK (slot = 1),
			id         TEXT    NOT NULL,
			name       TEXT    NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create identity table: %w", err)
	}
	return &IdentityStore{db: db}, nil
}

// Load returns the stored identity or ErrRecordNotFound.
func (s *IdentityStore) Load(ctx context.Context) (Identity, error) {
	if s == nil || s.db == nil {
		return Identity{}, ErrNotConfigured
	}
	var (
		id                   Identity
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM identity WHERE slot = 1`,
	).Scan(&id.ID, &id.Name, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrRecordNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("load identity: %w", err)
	}
	id.CreatedAt = time.UnixMilli(createdAt).UTC()
	id.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return id, nil
}

// LoadOrCreate returns the stored identity, creating one on first use. A
// non-empty name that differs from the stored one replaces it; the id
// never changes.
func (s *IdentityStore) LoadOrCreate(ctx context.Context, name string) (Identity, error) {
	name = strings.TrimSpace(name)
	existing, err := s.Load(ctx)
	switch {
	case err == nil:
		if name == "" || name == existing.Name {
			return existing, nil
		}
		return s.Rename(ctx, name)
	case !errors.Is(err, ErrRecordNotFound):
		return Identity{}, err
	}

	now := time.Now().UTC()
	id := Identity{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now.Truncate(time.Millisecond),
		UpdatedAt: now.Truncate(time.Millisecond),
	}
	if id.Name == "" {
		id.Name = DefaultPlayerName(id.ID)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO identity (slot, id, name, created_at, updated_at) VALUES (1, ?, ?, ?, ?)`,
		id.ID, id.Name, now.UnixMilli(), now.UnixMilli(),
	); err != nil {
		return Identity{}, fmt.Errorf("create identity: %w", err)
	}
	return id, nil
}

// Rename changes the stored display name.
func (s *IdentityStore) Rename(ctx context.Context, name string) (Identity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Identity{}, fmt.Errorf("player name is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE identity SET name = ?, updated_at = ? WHERE slot = 1`,
		name, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("rename identity: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Identity{}, ErrRecordNotFound
	}
	return s.Load(ctx)
}

// DefaultPlayerName derives a display name from an identity id.
func DefaultPlayerName(id string) string {
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return "player-" + short
}

// Close closes the SQLite handle.
func (s *IdentityStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
