package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"collaborative-mindmap/internal/domain"
	"collaborative-mindmap/internal/repository"
	"collaborative-mindmap/internal/tasks"
)

// TaskEnqueuer is the part of *asynq.Client the service needs.
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// SnapshotOptions tunes a SnapshotService.
type SnapshotOptions struct {
	// CacheTTL is the lifetime of cached snapshots; 0 keeps them forever.
	CacheTTL time.Duration
	// Keep is how many database snapshots are kept per room; 0 keeps all.
	Keep int
}

// SnapshotService loads and saves room snapshots: Redis first, the database
// behind it. Writes to the database go through the task queue when one is
// configured.
type SnapshotService struct {
	snapshotRepo repository.SnapshotRepository
	stateRepo    repository.StateRepository
	enqueuer     TaskEnqueuer
	opts         SnapshotOptions
	now          func() time.Time
}

// NewSnapshotService creates the service. enqueuer may be nil, in which case
// Save persists inline.
func NewSnapshotService(
	snapshotRepo repository.SnapshotRepository,
	stateRepo repository.StateRepository,
	enqueuer TaskEnqueuer,
	opts SnapshotOptions,
) *SnapshotService {
	if snapshotRepo == nil || stateRepo == nil {
		panic("repositories cannot be nil for SnapshotService")
	}
	return &SnapshotService{
		snapshotRepo: snapshotRepo,
		stateRepo:    stateRepo,
		enqueuer:     enqueuer,
		opts:         opts,
		now:          time.Now,
	}
}

// Load returns the latest snapshot of a room. found is false for a room that
// was never saved.
func (s *SnapshotService) Load(ctx context.Context, roomID string) (domain.Snapshot, bool, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "operation": "LoadSnapshot"})

	cached, err := s.stateRepo.GetSnapshotCache(ctx, roomID)
	switch {
	case err == nil:
		logCtx.WithField("version", cached.Version).Debug("Snapshot cache hit")
		return *cached, true, nil
	case errors.Is(err, repository.ErrCacheMiss):
		logCtx.Debug("Snapshot cache miss")
	case errors.Is(err, repository.ErrCorrupt):
		// The bookkeeping keys are rebuilt below from the database row.
		logCtx.WithError(err).Warn("Corrupt snapshot cache, clearing room state")
		if err := s.stateRepo.CleanupRoomState(ctx, roomID); err != nil {
			logCtx.WithError(err).Warn("Failed to clear room state")
		}
	default:
		logCtx.WithError(err).Warn("Failed to get snapshot from cache")
	}

	row, err := s.snapshotRepo.GetLatestSnapshot(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrSnapshotNotFound) {
			logCtx.Info("No snapshot found in database, starting empty")
			return domain.Snapshot{RoomID: roomID, Nodes: []domain.Node{}, Edges: []domain.Edge{}}, false, nil
		}
		logCtx.WithError(err).Error("Failed to get latest snapshot from database")
		return domain.Snapshot{}, false, mapRepoError(err)
	}
	snap, err := row.ToSnapshot()
	if err != nil {
		logCtx.WithError(err).Error("Failed to parse snapshot from database")
		return domain.Snapshot{}, false, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	logCtx.WithField("version", snap.Version).Info("Snapshot loaded from database")

	if err := s.stateRepo.SetSnapshotCache(ctx, &snap, s.opts.CacheTTL); err != nil {
		logCtx.WithError(err).Warn("Failed to warm snapshot cache after DB load")
	}
	if persisted, err := s.stateRepo.GetPersistedVersion(ctx, roomID); err == nil && persisted < snap.Version {
		if err := s.stateRepo.MarkPersisted(ctx, roomID, snap.Version, row.CreatedAt); err != nil {
			logCtx.WithError(err).Warn("Failed to record persisted version")
		}
	}
	return snap, true, nil
}

// Save caches the snapshot and schedules it for the database.
func (s *SnapshotService) Save(ctx context.Context, snap domain.Snapshot) error {
	if snap.RoomID == "" {
		return ErrInvalidSnapshot
	}
	logCtx := logrus.WithFields(logrus.Fields{"room_id": snap.RoomID, "version": snap.Version, "operation": "SaveSnapshot"})

	snap.Participants = nil
	snap.Normalize()
	if err := s.stateRepo.SetSnapshotCache(ctx, &snap, s.opts.CacheTTL); err != nil {
		logCtx.WithError(err).Warn("Failed to cache snapshot")
	}

	if s.enqueuer != nil {
		task, err := tasks.NewSnapshotPersistTask(snap)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
		info, err := s.enqueuer.Enqueue(task)
		switch {
		case err == nil:
			logCtx.WithField("task_id", info.ID).Info("Snapshot persistence enqueued")
			return nil
		case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
			logCtx.Debug("Snapshot persistence already enqueued")
			return nil
		default:
			logCtx.WithError(err).Warn("Failed to enqueue snapshot persistence, writing inline")
		}
	}
	return s.Persist(ctx, snap)
}

// Persist writes the snapshot to the database unless that version, or a
// newer one, is already there.
func (s *SnapshotService) Persist(ctx context.Context, snap domain.Snapshot) error {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": snap.RoomID, "version": snap.Version, "operation": "PersistSnapshot"})

	persisted, err := s.stateRepo.GetPersistedVersion(ctx, snap.RoomID)
	if err != nil {
		logCtx.WithError(err).Warn("Failed to read persisted version, writing anyway")
	} else if snap.Version <= persisted && persisted > 0 {
		logCtx.WithField("persisted_version", persisted).Debug("Snapshot already persisted")
		return nil
	}

	row, err := domain.NewGraphSnapshot(snap)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if err := s.snapshotRepo.SaveSnapshot(ctx, row); err != nil {
		if !errors.Is(err, repository.ErrDuplicateEntry) {
			logCtx.WithError(err).Error("Failed to save snapshot to database")
			return mapRepoError(err)
		}
		logCtx.Debug("Snapshot version already in database")
	}

	if err := s.stateRepo.MarkPersisted(ctx, snap.RoomID, snap.Version, s.now()); err != nil {
		logCtx.WithError(err).Warn("Failed to record persisted version")
	}
	if s.opts.Keep > 0 {
		if err := s.snapshotRepo.PruneSnapshots(ctx, snap.RoomID, s.opts.Keep); err != nil {
			logCtx.WithError(err).Warn("Failed to prune old snapshots")
		}
	}
	logCtx.Info("Snapshot persisted")
	return nil
}

// Checkpoint persists a live room's snapshot if it changed enough since the
// last write. It reports whether it wrote.
func (s *SnapshotService) Checkpoint(ctx context.Context, snap domain.Snapshot) (bool, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": snap.RoomID, "version": snap.Version, "operation": "Checkpoint"})

	persisted, err := s.stateRepo.GetPersistedVersion(ctx, snap.RoomID)
	if err != nil {
		return false, mapRepoError(err)
	}
	if snap.Version <= persisted {
		return false, nil
	}
	last, err := s.stateRepo.GetLastSnapshotTime(ctx, snap.RoomID)
	if err != nil {
		return false, mapRepoError(err)
	}
	interval := calculateSnapshotInterval(snap.Version - persisted)
	if !shouldGenerateSnapshot(last, interval, s.now()) {
		logCtx.Debugf("Checkpoint not due (last: %s, interval: %s, ops since: %d)",
			last.Format(time.RFC3339), interval, snap.Version-persisted)
		return false, nil
	}

	snap.Participants = nil
	snap.Normalize()
	if err := s.stateRepo.SetSnapshotCache(ctx, &snap, s.opts.CacheTTL); err != nil {
		logCtx.WithError(err).Warn("Failed to cache snapshot")
	}
	if err := s.Persist(ctx, snap); err != nil {
		return false, err
	}
	return true, nil
}

// Busy rooms are checkpointed more often.
func calculateSnapshotInterval(opsSinceLast uint64) time.Duration {
	switch {
	case opsSinceLast > 100:
		return 30 * time.Second
	case opsSinceLast > 20:
		return 2 * time.Minute
	default:
		return 10 * time.Minute
	}
}

func shouldGenerateSnapshot(last time.Time, interval time.Duration, now time.Time) bool {
	return last.IsZero() || now.Sub(last) >= interval
}
