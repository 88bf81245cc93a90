// Package snapshot persists the position table to a single JSON file.
// Writes go to a temp file first and are renamed into place, so a crash
// mid-write never corrupts the last good snapshot.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/awickham/exitbot/internal/domain"
)

type file struct {
	SavedAt   time.Time         `json:"saved_at"`
	Positions []domain.Position `json:"positions"`
}

// Store implements domain.SnapshotStore on the local filesystem.
type Store struct {
	path   string
	logger *slog.Logger
}

// NewStore creates the snapshot directory if needed.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("snapshot: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create dir: %w", err)
	}
	return &Store{
		path:   path,
		logger: logger.With(slog.String("component", "snapshot_store")),
	}, nil
}

// Save writes the full table atomically.
func (s *Store) Save(_ context.Context, positions []domain.Position) error {
	data, err := json.MarshalIndent(file{
		SavedAt:   time.Now().UTC(),
		Positions: positions,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("snapshot: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return nil
}

// Load reads the last snapshot. A missing file is a fresh start, not an
// error.
func (s *Store) Load(_ context.Context) ([]domain.Position, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Info("no snapshot found, starting empty", slog.String("path", s.path))
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: read: %w", err)
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}
	s.logger.Info("snapshot loaded",
		slog.Int("positions", len(f.Positions)),
		slog.Time("saved_at", f.SavedAt),
	)
	return f.Positions, nil
}

// Compile-time interface check.
var _ domain.SnapshotStore = (*Store)(nil)
