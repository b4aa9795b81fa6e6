// Package postgres persists registry snapshots in PostgreSQL, one row per
// client with the registration as a JSONB payload.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/irbis-voice/irbis/internal/registry"
)

const schema = `
CREATE TABLE IF NOT EXISTS clients (
    client_id  TEXT PRIMARY KEY,
    payload    JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Store keeps registry snapshots in a clients table.
//
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

var _ registry.SnapshotStore = (*Store)(nil)

// New establishes a connection pool to the database at dsn and ensures the
// schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: init schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Save implements registry.SnapshotStore. Present clients are upserted and
// absent ones deleted inside one transaction.
func (s *Store) Save(ctx context.Context, clients map[string]registry.Registration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const upsert = `
		INSERT INTO clients (client_id, payload, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (client_id)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`

	ids := make([]string, 0, len(clients))
	for id, reg := range clients {
		payload, err := json.Marshal(reg)
		if err != nil {
			return fmt.Errorf("postgres store: encode %q: %w", id, err)
		}
		if _, err := tx.Exec(ctx, upsert, id, string(payload)); err != nil {
			return fmt.Errorf("postgres store: upsert %q: %w", id, err)
		}
		ids = append(ids, id)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM clients WHERE client_id <> ALL($1)", ids); err != nil {
		return fmt.Errorf("postgres store: delete absent: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

// Load implements registry.SnapshotStore.
func (s *Store) Load(ctx context.Context) (map[string]registry.Registration, error) {
	rows, err := s.pool.Query(ctx, "SELECT client_id, payload FROM clients")
	if err != nil {
		return nil, fmt.Errorf("postgres store: query: %w", err)
	}

	type row struct {
		id      string
		payload []byte
	}
	entries, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (row, error) {
		var e row
		err := r.Scan(&e.id, &e.payload)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}

	clients := make(map[string]registry.Registration, len(entries))
	for _, e := range entries {
		var reg registry.Registration
		if err := json.Unmarshal(e.payload, &reg); err != nil {
			return nil, fmt.Errorf("postgres store: decode %q: %w", e.id, err)
		}
		clients[e.id] = reg
	}
	return clients, nil
}
