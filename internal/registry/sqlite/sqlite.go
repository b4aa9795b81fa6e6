// Package sqlite persists registry snapshots in an embedded SQLite
// database, one row per client with the registration as a JSON payload.
// The pure-Go driver keeps the binary free of cgo.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/irbis-voice/irbis/internal/registry"
)

const schema = `
CREATE TABLE IF NOT EXISTS clients (
    client_id  TEXT PRIMARY KEY,
    payload    TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);`

// Store keeps registry snapshots in one SQLite file.
type Store struct {
	db *sql.DB
}

var _ registry.SnapshotStore = (*Store)(nil)

// Open connects to the database at path, creating the file, its parent
// directory and the schema as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite store: set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save implements registry.SnapshotStore. The whole table is replaced in
// one transaction so a snapshot is all-or-nothing.
func (s *Store) Save(ctx context.Context, clients map[string]registry.Registration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM clients"); err != nil {
		return fmt.Errorf("sqlite store: clear snapshot: %w", err)
	}

	const q = "INSERT INTO clients (client_id, payload) VALUES (?, ?)"
	for id, reg := range clients {
		payload, err := encodeRegistration(reg)
		if err != nil {
			return fmt.Errorf("sqlite store: encode %q: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, q, id, payload); err != nil {
			return fmt.Errorf("sqlite store: insert %q: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit: %w", err)
	}
	return nil
}

// Load implements registry.SnapshotStore.
func (s *Store) Load(ctx context.Context) (map[string]registry.Registration, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT client_id, payload FROM clients")
	if err != nil {
		return nil, fmt.Errorf("sqlite store: query: %w", err)
	}
	defer rows.Close()

	clients := map[string]registry.Registration{}
	for rows.Next() {
		var (
			id      string
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("sqlite store: scan: %w", err)
		}
		var reg registry.Registration
		if err := json.Unmarshal([]byte(payload), &reg); err != nil {
			return nil, fmt.Errorf("sqlite store: decode %q: %w", id, err)
		}
		clients[id] = reg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: iterate: %w", err)
	}
	return clients, nil
}

// encodeRegistration serializes without HTML escaping so Cyrillic and
// punctuation survive byte-for-byte.
func encodeRegistration(reg registry.Registration) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(reg); err != nil {
		return "", err
	}
	return buf.String(), nil
}
