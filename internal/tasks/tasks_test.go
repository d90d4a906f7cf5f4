package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collaborative-mindmap/internal/domain"
)

func TestSnapshotPersistTask(t *testing.T) {
	snap := domain.Snapshot{
		RoomID:       "room-1",
		Version:      3,
		Nodes:        []domain.Node{{ID: "n2"}, {ID: "n1"}},
		Participants: []string{"alice"},
	}
	task, err := NewSnapshotPersistTask(snap)
	require.NoError(t, err)
	assert.Equal(t, TypeSnapshotPersist, task.Type())

	p, err := ParseSnapshotPersistPayload(task.Payload())
	require.NoError(t, err)
	assert.Equal(t, "room-1", p.Snapshot.RoomID)
	assert.Equal(t, uint64(3), p.Snapshot.Version)
	assert.Equal(t, "n1", p.Snapshot.Nodes[0].ID)
	assert.Empty(t, p.Snapshot.Participants)
	assert.NotNil(t, p.Snapshot.Edges)
}

func TestParseSnapshotPersistPayload_Rejects(t *testing.T) {
	_, err := ParseSnapshotPersistPayload([]byte(`{`))
	assert.Error(t, err)
	_, err = ParseSnapshotPersistPayload([]byte(`{"snapshot":{}}`))
	assert.Error(t, err)
}
