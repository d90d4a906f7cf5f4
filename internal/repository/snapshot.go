package repository

import (
	"context"

	"collaborative-mindmap/internal/domain"
)

// SnapshotRepository keeps room snapshots in durable storage.
type SnapshotRepository interface {
	// GetLatestSnapshot returns the highest-version snapshot of a room, or
	// ErrSnapshotNotFound.
	GetLatestSnapshot(ctx context.Context, roomID string) (*domain.GraphSnapshot, error)

	// SaveSnapshot inserts a new snapshot row.
	SaveSnapshot(ctx context.Context, snapshot *domain.GraphSnapshot) error

	// PruneSnapshots deletes all but the newest keep snapshots of a room.
	PruneSnapshots(ctx context.Context, roomID string, keep int) error
}
