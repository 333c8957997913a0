// Package chunkdb stores chunk payloads in SQLite, one row per coord.
package chunkdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"voxelrelay.ai/internal/sim/chunk"
	"voxelrelay.ai/internal/sim/loader"
)

const schemaVersion = "1"

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			payload BLOB NOT NULL,
			digest TEXT NOT NULL,
			saved_at TEXT NOT NULL,
			PRIMARY KEY (x, y, z)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT INTO meta(key, value) VALUES('schema_version', ?)
		ON CONFLICT(key) DO NOTHING;`, schemaVersion)
	return err
}

// Load implements loader.Storage.
func (s *Store) Load(ctx context.Context, c chunk.Coord) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM chunks WHERE x = ? AND y = ? AND z = ?;`, c.X, c.Y, c.Z,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loader.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chunkdb load %s: %w", c, err)
	}
	return payload, nil
}

// Save implements loader.Storage.
func (s *Store) Save(ctx context.Context, c chunk.Coord, payload []byte) error {
	sum := sha256.Sum256(payload)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chunks(x, y, z, payload, digest, saved_at) VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(x, y, z) DO UPDATE SET
			payload = excluded.payload,
			digest = excluded.digest,
			saved_at = excluded.saved_at;`,
		c.X, c.Y, c.Z, payload, hex.EncodeToString(sum[:]), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("chunkdb save %s: %w", c, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, c chunk.Coord) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE x = ? AND y = ? AND z = ?;`, c.X, c.Y, c.Z)
	return err
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks;`).Scan(&n)
	return n, err
}

// SchemaVersion returns the version recorded in meta.
func (s *Store) SchemaVersion(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'schema_version';`).Scan(&v)
	return v, err
}

func (s *Store) Close() error { return s.db.Close() }
