// Package sqlite implements the subtun data store backed by a SQLite
// database. It manages operator-minted API keys and the subdomain
// allocation audit trail.
package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/subtun/subtun/internal/domain"
)

// Store wraps a SQLite database connection for all subtun persistence.
type Store struct {
	db *sql.DB
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	key_hash TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL,
	revoked_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS allocations (
	id TEXT PRIMARY KEY,
	subdomain TEXT NOT NULL,
	principal_id TEXT NOT NULL,
	reserved_at DATETIME NOT NULL,
	released_at DATETIME NULL
);
CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash);
CREATE INDEX IF NOT EXISTS idx_allocations_subdomain ON allocations(subdomain);
CREATE INDEX IF NOT EXISTS idx_allocations_released_at ON allocations(released_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) CreateAPIKey(ctx context.Context, name, keyHash string) (domain.APIKey, error) {
	now := time.Now().UTC()
	id, err := newID("k")
	if err != nil {
		return domain.APIKey{}, err
	}
	k := domain.APIKey{
		ID:        id,
		Name:      name,
		KeyHash:   keyHash,
		CreatedAt: now,
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO api_keys(id, name, key_hash, created_at, revoked_at)
VALUES(?, ?, ?, ?, NULL)`, k.ID, k.Name, k.KeyHash, k.CreatedAt)
	return k, err
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, key_hash, created_at, revoked_at
FROM api_keys
ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.APIKey
	for rows.Next() {
		var k domain.APIKey
		var revoked sql.NullTime
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.CreatedAt, &revoked); err != nil {
			return nil, err
		}
		if revoked.Valid {
			t := revoked.Time
			k.RevokedAt = &t
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ActiveKeyHashes returns the hashes of every non-revoked key, for seeding
// the credential validator's allowlist alongside the static config keys.
func (s *Store) ActiveKeyHashes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key_hash FROM api_keys WHERE revoked_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// RecordReservation appends an audit record for a granted subdomain and
// returns its id so the release can be tied back to it.
func (s *Store) RecordReservation(ctx context.Context, subdomain, principalID string) (string, error) {
	id, err := newID("a")
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO allocations(id, subdomain, principal_id, reserved_at, released_at)
VALUES(?, ?, ?, ?, NULL)`, id, subdomain, principalID, time.Now().UTC())
	return id, err
}

// RecordRelease stamps the release time on an allocation record. Releasing
// an already-released record is a no-op.
func (s *Store) RecordRelease(ctx context.Context, allocationID string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE allocations SET released_at = ? WHERE id = ? AND released_at IS NULL`,
		time.Now().UTC(), allocationID)
	return err
}

// ListAllocations returns the most recent audit records, newest first.
func (s *Store) ListAllocations(ctx context.Context, limit int) ([]domain.Allocation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, subdomain, principal_id, reserved_at, released_at
FROM allocations
ORDER BY reserved_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Allocation
	for rows.Next() {
		var a domain.Allocation
		var released sql.NullTime
		if err := rows.Scan(&a.ID, &a.Subdomain, &a.PrincipalID, &a.ReservedAt, &released); err != nil {
			return nil, err
		}
		if released.Valid {
			t := released.Time
			a.ReleasedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PurgeReleasedAllocations deletes released audit records older than cutoff,
// bounded per run to avoid long write transactions.
func (s *Store) PurgeReleasedAllocations(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM allocations
WHERE id IN (
	SELECT id
	FROM allocations
	WHERE released_at IS NOT NULL AND released_at < ?
	ORDER BY released_at ASC
	LIMIT ?
)`, cutoff.UTC(), limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func newID(prefix string) (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
