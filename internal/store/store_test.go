package store_test

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"collaborative-mindmap/internal/domain"
	"collaborative-mindmap/internal/protocol"
	"collaborative-mindmap/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []protocol.Event
}

func (r *recorder) Emit(evt protocol.Event) { r.events = append(r.events, evt) }

func deterministic() []store.Option {
	var n int
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int
	return []store.Option{
		store.WithIDGenerator(func() string { n++; return fmt.Sprintf("id-%04d", n) }),
		store.WithClock(func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }),
	}
}

func TestCreateNode_EmitsOneEvent(t *testing.T) {
	rec := &recorder{}
	s := store.New("room-1", rec, deterministic()...)

	n, err := s.CreateNode(store.Meta{Ref: "p-1", Actor: "alice"}, "Idea", domain.Position{X: 1, Y: 2})
	require.NoError(t, err)

	assert.Equal(t, "id-0001", n.ID)
	assert.Equal(t, "room-1", n.RoomID)
	assert.Equal(t, n.CreatedAt, n.UpdatedAt)
	require.Len(t, rec.events, 1)

	evt := rec.events[0]
	assert.Equal(t, protocol.EventNodeCreated, evt.Type())
	assert.Equal(t, "p-1", evt.Ref)
	assert.Equal(t, "alice", evt.Actor)
	assert.Equal(t, uint64(1), evt.Seq)
	assert.Equal(t, n, evt.Payload.(*protocol.NodeCreated).Node)
}

func TestLabelLimit_CountsCharacters(t *testing.T) {
	s := store.New("room-1", &recorder{}, deterministic()...)

	// Three bytes per character, well over the limit in bytes.
	wide := strings.Repeat("思", protocol.MaxLabelLength)
	n, err := s.CreateNode(store.Meta{}, wide, domain.Position{})
	require.NoError(t, err)
	assert.Equal(t, wide, n.Label)

	_, err = s.UpdateNode(store.Meta{}, n.ID, domain.NodePatch{Label: domain.LabelPtr(wide + "思")})
	assert.ErrorIs(t, err, store.ErrLabelTooLong)
}

func TestUpdateNode(t *testing.T) {
	rec := &recorder{}
	s := store.New("room-1", rec, deterministic()...)
	n, _ := s.CreateNode(store.Meta{}, "Idea", domain.Position{})

	updated, err := s.UpdateNode(store.Meta{Ref: "p-2"}, n.ID, domain.NodePatch{Label: domain.LabelPtr("Better idea")})
	require.NoError(t, err)

	assert.Equal(t, "Better idea", updated.Label)
	assert.Equal(t, domain.Position{}, updated.Position, "position untouched")
	assert.True(t, updated.UpdatedAt.After(n.UpdatedAt))
	require.Len(t, rec.events, 2)

	delta := rec.events[1].Payload.(*protocol.NodeUpdated)
	assert.Equal(t, n.ID, delta.NodeID)
	assert.Equal(t, "Better idea", *delta.Label)
	assert.Nil(t, delta.Position)
	assert.Equal(t, uint64(2), rec.events[1].Seq)
}

func TestUpdateNode_Failures(t *testing.T) {
	rec := &recorder{}
	s := store.New("room-1", rec, deterministic()...)
	n, _ := s.CreateNode(store.Meta{}, "Idea", domain.Position{})

	_, err := s.UpdateNode(store.Meta{}, "missing", domain.NodePatch{Label: domain.LabelPtr("x")})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.UpdateNode(store.Meta{}, n.ID, domain.NodePatch{})
	assert.ErrorIs(t, err, store.ErrInvalidPatch)

	_, err = s.UpdateNode(store.Meta{}, n.ID, domain.NodePatch{Position: &domain.Position{X: math.NaN()}})
	assert.ErrorIs(t, err, store.ErrInvalidPosition)

	_, err = s.UpdateNode(store.Meta{}, n.ID, domain.NodePatch{Label: domain.LabelPtr(strings.Repeat("a", protocol.MaxLabelLength+1))})
	assert.ErrorIs(t, err, store.ErrLabelTooLong)

	assert.Len(t, rec.events, 1, "failed mutations emit nothing")
	assert.Equal(t, uint64(1), s.Version())
}

func TestDeleteNode_DoesNotCascade(t *testing.T) {
	s := store.New("room-1", nil, deterministic()...)
	a, _ := s.CreateNode(store.Meta{}, "a", domain.Position{})
	b, _ := s.CreateNode(store.Meta{}, "b", domain.Position{})
	e, err := s.CreateEdge(store.Meta{}, a.ID, b.ID)
	require.NoError(t, err)

	require.NoError(t, s.DeleteNode(store.Meta{}, a.ID))
	assert.ErrorIs(t, s.DeleteNode(store.Meta{}, a.ID), store.ErrNotFound)

	_, ok := s.Edge(e.ID)
	assert.True(t, ok, "dangling edge is kept")
}

func TestCreateEdge_AfterDeleteIsInvalidReference(t *testing.T) {
	rec := &recorder{}
	s := store.New("room-1", rec, deterministic()...)
	a, _ := s.CreateNode(store.Meta{}, "a", domain.Position{})
	b, _ := s.CreateNode(store.Meta{}, "b", domain.Position{})
	require.NoError(t, s.DeleteNode(store.Meta{}, a.ID))
	before := len(rec.events)

	_, err := s.CreateEdge(store.Meta{}, a.ID, b.ID)
	assert.ErrorIs(t, err, store.ErrInvalidReference)
	_, err = s.CreateEdge(store.Meta{}, b.ID, a.ID)
	assert.ErrorIs(t, err, store.ErrInvalidReference)
	assert.Len(t, rec.events, before)
}

func TestDeleteEdge(t *testing.T) {
	rec := &recorder{}
	s := store.New("room-1", rec, deterministic()...)
	a, _ := s.CreateNode(store.Meta{}, "a", domain.Position{})
	e, _ := s.CreateEdge(store.Meta{}, a.ID, a.ID)

	require.NoError(t, s.DeleteEdge(store.Meta{Ref: "p-3"}, e.ID))
	assert.ErrorIs(t, s.DeleteEdge(store.Meta{}, e.ID), store.ErrNotFound)

	last := rec.events[len(rec.events)-1]
	assert.Equal(t, protocol.EventEdgeDeleted, last.Type())
	assert.Equal(t, e.ID, last.Payload.(*protocol.EdgeDeleted).EdgeID)
}

func TestSnapshot_IsACopy(t *testing.T) {
	s := store.New("room-1", nil, deterministic()...)
	n, _ := s.CreateNode(store.Meta{}, "a", domain.Position{})

	snap := s.Snapshot()
	snap.Nodes[0].Label = "mutated"

	got, _ := s.Node(n.ID)
	assert.Equal(t, "a", got.Label)
	assert.Equal(t, uint64(1), snap.Version)
}

func TestRestore(t *testing.T) {
	src := store.New("room-1", nil, deterministic()...)
	a, _ := src.CreateNode(store.Meta{}, "a", domain.Position{X: 3})
	b, _ := src.CreateNode(store.Meta{}, "b", domain.Position{})
	_, _ = src.CreateEdge(store.Meta{}, a.ID, b.ID)
	snap := src.Snapshot()

	rec := &recorder{}
	dst := store.New("room-1", rec)
	dst.Restore(snap)

	assert.Empty(t, rec.events)
	assert.Equal(t, snap.Version, dst.Version())
	assert.Equal(t, snap.Nodes, dst.Snapshot().Nodes)
	assert.Equal(t, snap.Edges, dst.Snapshot().Edges)
}

// Replaying the recorded arrival order on an empty room reproduces the final state.
func TestOrderEquivalence(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			ops := randomOps(rand.New(rand.NewSource(seed)), 200)

			first := store.New("room-1", nil, deterministic()...)
			second := store.New("room-1", nil, deterministic()...)
			errsA := apply(first, ops)
			errsB := apply(second, ops)

			assert.Equal(t, errsA, errsB)
			assert.Equal(t, first.Snapshot(), second.Snapshot())
		})
	}
}

type op struct {
	kind  int
	label string
	x, y  float64
	a, b  int // indexes into the ids seen so far
}

func randomOps(r *rand.Rand, n int) []op {
	ops := make([]op, n)
	for i := range ops {
		ops[i] = op{kind: r.Intn(5), label: fmt.Sprintf("l%d", r.Intn(50)), x: r.Float64() * 100, y: r.Float64() * 100, a: r.Intn(64), b: r.Intn(64)}
	}
	return ops
}

func apply(s *store.Store, ops []op) []bool {
	var nodeIDs, edgeIDs []string
	pick := func(ids []string, i int) string {
		if len(ids) == 0 {
			return "none"
		}
		return ids[i%len(ids)]
	}
	failed := make([]bool, len(ops))
	for i, o := range ops {
		var err error
		switch o.kind {
		case 0:
			var n domain.Node
			n, err = s.CreateNode(store.Meta{}, o.label, domain.Position{X: o.x, Y: o.y})
			nodeIDs = append(nodeIDs, n.ID)
		case 1:
			_, err = s.UpdateNode(store.Meta{}, pick(nodeIDs, o.a), domain.NodePatch{Position: &domain.Position{X: o.x, Y: o.y}})
		case 2:
			err = s.DeleteNode(store.Meta{}, pick(nodeIDs, o.a))
		case 3:
			var e domain.Edge
			e, err = s.CreateEdge(store.Meta{}, pick(nodeIDs, o.a), pick(nodeIDs, o.b))
			edgeIDs = append(edgeIDs, e.ID)
		case 4:
			err = s.DeleteEdge(store.Meta{}, pick(edgeIDs, o.a))
		}
		failed[i] = err != nil
	}
	return failed
}
