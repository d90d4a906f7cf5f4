package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"collaborative-mindmap/internal/domain"
)

const (
	// TypeSnapshotPersist writes one room snapshot to the database.
	TypeSnapshotPersist = "snapshot:persist"
	// TypeSnapshotPeriodicCheck checkpoints every live room that changed.
	TypeSnapshotPeriodicCheck = "snapshot:periodic_check"
)

// SnapshotPersistPayload carries the snapshot to persist.
type SnapshotPersistPayload struct {
	Snapshot domain.Snapshot `json:"snapshot"`
}

// NewSnapshotPersistTask builds a persist task. Tasks of one room and
// version are deduplicated for a minute.
func NewSnapshotPersistTask(snap domain.Snapshot) (*asynq.Task, error) {
	snap.Participants = nil
	payload, err := json.Marshal(SnapshotPersistPayload{Snapshot: snap})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSnapshotPersist, payload,
		asynq.TaskID(fmt.Sprintf("snapshot:%s:%d", snap.RoomID, snap.Version)),
		asynq.MaxRetry(5),
		asynq.Retention(time.Minute),
	), nil
}

// ParseSnapshotPersistPayload decodes a persist task payload.
func ParseSnapshotPersistPayload(raw []byte) (SnapshotPersistPayload, error) {
	var p SnapshotPersistPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return SnapshotPersistPayload{}, err
	}
	if p.Snapshot.RoomID == "" {
		return SnapshotPersistPayload{}, fmt.Errorf("snapshot payload without room id")
	}
	p.Snapshot.Normalize()
	return p, nil
}

// NewSnapshotPeriodicCheckTask returns the payload of the scheduled check,
// which carries nothing.
func NewSnapshotPeriodicCheckTask() ([]byte, error) {
	return json.Marshal(struct{}{})
}
