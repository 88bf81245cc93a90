package domain

import "context"

// SnapshotStore persists the full position table. Save must be atomic:
// readers of the snapshot never observe a partial write.
type SnapshotStore interface {
	Save(ctx context.Context, positions []Position) error
	// Load returns the last saved table, or an empty slice when no
	// snapshot exists yet.
	Load(ctx context.Context) ([]Position, error)
}

// HistoryStore archives closed positions for later analysis. Archiving is
// best effort and never blocks the close path.
type HistoryStore interface {
	Archive(ctx context.Context, p Position) error
	ListRecent(ctx context.Context, limit int) ([]Position, error)
}
