// Package filestore persists registry snapshots as one pretty-printed JSON
// file. Writes go through a temp file and an atomic rename, so readers
// never observe a torn snapshot. Non-ASCII names (room and device names are
// frequently Cyrillic) are written as-is, not as escape sequences.
package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/irbis-voice/irbis/internal/registry"
)

// Store writes snapshots to a single JSON file.
type Store struct {
	path string
}

var _ registry.SnapshotStore = (*Store)(nil)

// New returns a store backed by the given file path. The parent directory
// is created on the first save.
func New(path string) *Store {
	return &Store{path: path}
}

// Save implements registry.SnapshotStore.
func (s *Store) Save(ctx context.Context, clients map[string]registry.Registration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("filestore: save: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(clients); err != nil {
		return fmt.Errorf("filestore: encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("filestore: create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		return fmt.Errorf("filestore: create temp file: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("filestore: write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("filestore: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("filestore: replace snapshot: %w", err)
	}
	return nil
}

// Load implements registry.SnapshotStore. A missing file yields an empty
// map, not an error.
func (s *Store) Load(ctx context.Context) (map[string]registry.Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("filestore: load: %w", err)
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]registry.Registration{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: read snapshot: %w", err)
	}

	clients := map[string]registry.Registration{}
	if err := json.Unmarshal(data, &clients); err != nil {
		return nil, fmt.Errorf("filestore: decode snapshot: %w", err)
	}
	return clients, nil
}
