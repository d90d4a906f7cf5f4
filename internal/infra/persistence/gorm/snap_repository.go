package gormpersistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"collaborative-mindmap/internal/domain"
	"collaborative-mindmap/internal/repository"
)

// GormSnapshotRepository implements repository.SnapshotRepository with GORM.
type GormSnapshotRepository struct {
	db *gorm.DB
}

// NewGormSnapshotRepository creates the repository.
func NewGormSnapshotRepository(db *gorm.DB) *GormSnapshotRepository {
	if db == nil {
		panic("database connection cannot be nil for GormSnapshotRepository")
	}
	return &GormSnapshotRepository{db: db}
}

// GetLatestSnapshot returns the row with the highest version.
func (r *GormSnapshotRepository) GetLatestSnapshot(ctx context.Context, roomID string) (*domain.GraphSnapshot, error) {
	var snapshot domain.GraphSnapshot
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("version DESC").
		First(&snapshot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("gorm: failed to get latest snapshot for room %s: %w", roomID, err)
	}
	return &snapshot, nil
}

// SaveSnapshot inserts the row. Saving a version twice returns
// repository.ErrDuplicateEntry.
func (r *GormSnapshotRepository) SaveSnapshot(ctx context.Context, snapshot *domain.GraphSnapshot) error {
	err := r.db.WithContext(ctx).Create(snapshot).Error
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return repository.ErrDuplicateEntry
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: failed to save snapshot (room %s, version %d): %w", snapshot.RoomID, snapshot.Version, err)
	}
	return nil
}

// PruneSnapshots keeps the newest keep rows of the room.
func (r *GormSnapshotRepository) PruneSnapshots(ctx context.Context, roomID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	var cutoff domain.GraphSnapshot
	err := r.db.WithContext(ctx).
		Select("version").
		Where("room_id = ?", roomID).
		Order("version DESC").
		Offset(keep - 1).
		Limit(1).
		Take(&cutoff).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("gorm: failed to find prune cutoff for room %s: %w", roomID, err)
	}
	res := r.db.WithContext(ctx).
		Where("room_id = ? AND version < ?", roomID, cutoff.Version).
		Delete(&domain.GraphSnapshot{})
	if res.Error != nil {
		return fmt.Errorf("gorm: failed to prune snapshots for room %s: %w", roomID, res.Error)
	}
	return nil
}
