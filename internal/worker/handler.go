package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"collaborative-mindmap/internal/domain"
	"collaborative-mindmap/internal/tasks"
)

// SnapshotPersister writes a snapshot to durable storage.
type SnapshotPersister interface {
	Persist(ctx context.Context, snap domain.Snapshot) error
}

// SnapshotPersistHandler processes snapshot:persist tasks.
type SnapshotPersistHandler struct {
	persister SnapshotPersister
}

// NewSnapshotPersistHandler creates the handler.
func NewSnapshotPersistHandler(persister SnapshotPersister) *SnapshotPersistHandler {
	if persister == nil {
		panic("SnapshotPersister cannot be nil for SnapshotPersistHandler")
	}
	return &SnapshotPersistHandler{persister: persister}
}

// ProcessTask implements asynq.Handler.
func (h *SnapshotPersistHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	taskID := ""
	if rw := t.ResultWriter(); rw != nil {
		taskID = rw.TaskID()
	}
	currentRetry, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	logCtx := logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
		"retry":     currentRetry,
		"max_retry": maxRetry,
	})

	payload, err := tasks.ParseSnapshotPersistPayload(t.Payload())
	if err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	logCtx = logCtx.WithFields(logrus.Fields{"room_id": payload.Snapshot.RoomID, "version": payload.Snapshot.Version})

	if err := h.persister.Persist(ctx, payload.Snapshot); err != nil {
		logCtx.WithError(err).Error("Failed to persist snapshot")
		return fmt.Errorf("persist snapshot of room %s: %w", payload.Snapshot.RoomID, err)
	}
	logCtx.Info("Snapshot persistence task processed successfully")
	return nil
}
