package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"collaborative-mindmap/internal/domain"
)

// LiveRooms exposes the rooms currently open on this server.
type LiveRooms interface {
	ActiveRoomIDs() []string
	LiveSnapshot(ctx context.Context, roomID string) (domain.Snapshot, bool, error)
}

// Checkpointer persists a live snapshot when it is due.
type Checkpointer interface {
	Checkpoint(ctx context.Context, snap domain.Snapshot) (bool, error)
}

const roomCheckTimeout = 30 * time.Second

// SnapshotCheckHandler processes the periodic snapshot:periodic_check task.
type SnapshotCheckHandler struct {
	rooms        LiveRooms
	checkpointer Checkpointer
	concurrency  int
}

// NewSnapshotCheckHandler creates the handler.
func NewSnapshotCheckHandler(rooms LiveRooms, checkpointer Checkpointer) *SnapshotCheckHandler {
	if rooms == nil {
		panic("LiveRooms cannot be nil for SnapshotCheckHandler")
	}
	if checkpointer == nil {
		panic("Checkpointer cannot be nil for SnapshotCheckHandler")
	}
	return &SnapshotCheckHandler{rooms: rooms, checkpointer: checkpointer, concurrency: 8}
}

// ProcessTask checkpoints every live room. Failures of single rooms are
// logged; the task itself only fails when every room failed.
func (h *SnapshotCheckHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := logrus.WithField("task_type", t.Type())

	roomIDs := h.rooms.ActiveRoomIDs()
	if len(roomIDs) == 0 {
		logCtx.Debug("No active rooms found, skipping snapshot check")
		return nil
	}
	logCtx.Infof("Found %d active rooms to check", len(roomIDs))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		failed  int
		written int
		sem     = make(chan struct{}, h.concurrency)
	)
	for _, roomID := range roomIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func(roomID string) {
			defer wg.Done()
			defer func() { <-sem }()

			wrote, err := h.checkRoom(ctx, roomID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				logCtx.WithField("room_id", roomID).WithError(err).Error("Snapshot check failed for room")
				return
			}
			if wrote {
				written++
			}
		}(roomID)
	}
	wg.Wait()

	logCtx.WithFields(logrus.Fields{"rooms": len(roomIDs), "written": written, "failed": failed}).
		Info("Periodic snapshot check completed")
	if failed == len(roomIDs) {
		return fmt.Errorf("snapshot check failed for all %d rooms", failed)
	}
	return nil
}

func (h *SnapshotCheckHandler) checkRoom(ctx context.Context, roomID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, roomCheckTimeout)
	defer cancel()

	snap, live, err := h.rooms.LiveSnapshot(ctx, roomID)
	if err != nil {
		return false, err
	}
	if !live {
		// Closed since listed; its own save covers it.
		return false, nil
	}
	return h.checkpointer.Checkpoint(ctx, snap)
}
