package repository

import (
	"context"
	"time"

	"collaborative-mindmap/internal/domain"
)

// StateRepository holds short-lived room state shared between server
// processes. It is implemented on Redis.
type StateRepository interface {
	// GetSnapshotCache returns the cached snapshot of a room, or ErrCacheMiss.
	GetSnapshotCache(ctx context.Context, roomID string) (*domain.Snapshot, error)

	// SetSnapshotCache caches a snapshot. A zero ttl keeps it forever.
	SetSnapshotCache(ctx context.Context, snapshot *domain.Snapshot, ttl time.Duration) error

	// GetPersistedVersion returns the version of the last snapshot written to
	// durable storage, 0 if none.
	GetPersistedVersion(ctx context.Context, roomID string) (uint64, error)

	// MarkPersisted records that version was written at the given time.
	MarkPersisted(ctx context.Context, roomID string, version uint64, at time.Time) error

	// GetLastSnapshotTime returns when the room was last persisted, the zero
	// time if never.
	GetLastSnapshotTime(ctx context.Context, roomID string) (time.Time, error)

	// CleanupRoomState removes every key of the room.
	CleanupRoomState(ctx context.Context, roomID string) error

	// CheckRateLimit counts a hit on key and reports whether more than limit
	// hits happened within window.
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
