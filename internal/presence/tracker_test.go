package presence

import (
	"testing"

	"collaborative-mindmap/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	evt    protocol.Event
	except string
}

type fakeNotifier struct {
	sent []sent
}

func (f *fakeNotifier) Broadcast(evt protocol.Event, except string) {
	f.sent = append(f.sent, sent{evt: evt, except: except})
}

func TestJoin_NotifiesOthers(t *testing.T) {
	n := &fakeNotifier{}
	tr := NewTracker("room-1", n)

	_, replaced := tr.Join("alice", "c1")
	assert.False(t, replaced)
	require.Len(t, n.sent, 1)
	assert.Equal(t, protocol.EventParticipantJoined, n.sent[0].evt.Type())
	assert.Equal(t, "alice", n.sent[0].except, "joiner is not told about itself")
	assert.Equal(t, "alice", n.sent[0].evt.Payload.(*protocol.ParticipantJoined).UserID)
	assert.Equal(t, []string{"alice"}, tr.Participants())
}

func TestJoin_SameParticipantReplaces(t *testing.T) {
	n := &fakeNotifier{}
	tr := NewTracker("room-1", n)
	tr.Join("alice", "c1")

	prev, replaced := tr.Join("alice", "c2")

	assert.True(t, replaced)
	assert.Equal(t, "c1", prev.ConnID)
	assert.Equal(t, 1, tr.Len())
	assert.Len(t, n.sent, 1, "a reconnect is not a second join")
	assert.Equal(t, []string{"alice"}, tr.Participants())
}

func TestLeave_Idempotent(t *testing.T) {
	n := &fakeNotifier{}
	tr := NewTracker("room-1", n)
	tr.Join("alice", "c1")
	tr.Join("bob", "c2")
	n.sent = nil

	assert.True(t, tr.Leave("alice"))
	assert.False(t, tr.Leave("alice"))
	assert.False(t, tr.Leave("nobody"))

	require.Len(t, n.sent, 1)
	assert.Equal(t, protocol.EventParticipantLeft, n.sent[0].evt.Type())
	assert.Equal(t, []string{"bob"}, tr.Participants())
}

func TestLeaveConn_IgnoresStaleConnection(t *testing.T) {
	n := &fakeNotifier{}
	tr := NewTracker("room-1", n)
	tr.Join("alice", "c1")
	tr.Join("alice", "c2")

	assert.False(t, tr.LeaveConn("alice", "c1"))
	assert.Equal(t, []string{"alice"}, tr.Participants())

	assert.True(t, tr.LeaveConn("alice", "c2"))
	assert.Empty(t, tr.Participants())
}

func TestNilNotifier(t *testing.T) {
	tr := NewTracker("room-1", nil)
	tr.Join("alice", "c1")
	assert.True(t, tr.Leave("alice"))
	assert.Zero(t, tr.Len())
}
