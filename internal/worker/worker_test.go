package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collaborative-mindmap/internal/domain"
	"collaborative-mindmap/internal/tasks"
)

type fakePersister struct {
	mu    sync.Mutex
	saved []domain.Snapshot
	err   error
}

func (f *fakePersister) Persist(_ context.Context, snap domain.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, snap)
	return nil
}

type fakeRooms struct {
	snaps map[string]domain.Snapshot
	fail  map[string]error
}

func (f *fakeRooms) ActiveRoomIDs() []string {
	var ids []string
	for id := range f.snaps {
		ids = append(ids, id)
	}
	for id := range f.fail {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeRooms) LiveSnapshot(_ context.Context, roomID string) (domain.Snapshot, bool, error) {
	if err := f.fail[roomID]; err != nil {
		return domain.Snapshot{}, false, err
	}
	snap, ok := f.snaps[roomID]
	return snap, ok, nil
}

type fakeCheckpointer struct {
	mu      sync.Mutex
	checked []string
}

func (f *fakeCheckpointer) Checkpoint(_ context.Context, snap domain.Snapshot) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, snap.RoomID)
	return true, nil
}

func TestSnapshotPersistHandler(t *testing.T) {
	p := &fakePersister{}
	h := NewSnapshotPersistHandler(p)

	task, err := tasks.NewSnapshotPersistTask(domain.Snapshot{RoomID: "room-1", Version: 2})
	require.NoError(t, err)
	require.NoError(t, h.ProcessTask(context.Background(), task))
	require.Len(t, p.saved, 1)
	assert.Equal(t, uint64(2), p.saved[0].Version)
}

func TestSnapshotPersistHandler_BadPayloadSkipsRetry(t *testing.T) {
	h := NewSnapshotPersistHandler(&fakePersister{})
	err := h.ProcessTask(context.Background(), asynq.NewTask(tasks.TypeSnapshotPersist, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestSnapshotPersistHandler_PersistErrorRetries(t *testing.T) {
	h := NewSnapshotPersistHandler(&fakePersister{err: errors.New("db down")})
	task, err := tasks.NewSnapshotPersistTask(domain.Snapshot{RoomID: "room-1", Version: 2})
	require.NoError(t, err)

	err = h.ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestSnapshotCheckHandler(t *testing.T) {
	rooms := &fakeRooms{
		snaps: map[string]domain.Snapshot{"a": {RoomID: "a"}, "b": {RoomID: "b"}},
		fail:  map[string]error{"c": errors.New("room busy")},
	}
	cp := &fakeCheckpointer{}
	h := NewSnapshotCheckHandler(rooms, cp)

	require.NoError(t, h.ProcessTask(context.Background(), asynq.NewTask(tasks.TypeSnapshotPeriodicCheck, nil)))
	assert.ElementsMatch(t, []string{"a", "b"}, cp.checked)
}

func TestSnapshotCheckHandler_AllFailed(t *testing.T) {
	rooms := &fakeRooms{fail: map[string]error{"c": errors.New("room busy")}}
	h := NewSnapshotCheckHandler(rooms, &fakeCheckpointer{})

	assert.Error(t, h.ProcessTask(context.Background(), asynq.NewTask(tasks.TypeSnapshotPeriodicCheck, nil)))
}
