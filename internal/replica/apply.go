package replica

import (
	"fmt"

	"collaborative-mindmap/internal/domain"
	"collaborative-mindmap/internal/protocol"

	"github.com/sirupsen/logrus"
)

// Apply merges one server event into the replica. Events for other rooms,
// unknown event types and events about entities the replica never saw are
// logged and dropped. ErrOutOfSync is returned when a mutation skips a room
// version.
func (e *Engine) Apply(evt protocol.Event) error {
	if evt.RoomID != "" && evt.RoomID != e.roomID {
		e.log.WithField("event_room_id", evt.RoomID).Warn("Dropping event for another room")
		return nil
	}

	switch p := evt.Payload.(type) {
	case *protocol.StateSnapshot:
		e.applySnapshot(p)
		return nil
	case *protocol.ParticipantJoined:
		e.participants[p.UserID] = struct{}{}
		return nil
	case *protocol.ParticipantLeft:
		delete(e.participants, p.UserID)
		return nil
	case *protocol.Error:
		e.applyError(evt.Ref, p)
		return nil
	case *protocol.NodeCreated, *protocol.NodeUpdated, *protocol.NodeDeleted,
		*protocol.EdgeCreated, *protocol.EdgeDeleted:
	default:
		e.log.WithField("event", evt.Type()).Warn("Dropping unknown event")
		return nil
	}

	if evt.Seq != 0 && evt.Seq <= e.version {
		e.log.WithFields(logrus.Fields{"seq": evt.Seq, "version": e.version}).Debug("Dropping stale event")
		return nil
	}
	var gap error
	if e.synced && evt.Seq > e.version+1 {
		gap = fmt.Errorf("%w: at version %d, got seq %d", ErrOutOfSync, e.version, evt.Seq)
	}
	if evt.Seq != 0 {
		e.version = evt.Seq
	}

	switch p := evt.Payload.(type) {
	case *protocol.NodeCreated:
		e.applyNodeCreated(evt.Ref, p)
	case *protocol.NodeUpdated:
		e.applyNodeUpdated(evt.Ref, p)
	case *protocol.NodeDeleted:
		e.applyNodeDeleted(evt.Ref, p.NodeID)
	case *protocol.EdgeCreated:
		e.applyEdgeCreated(evt.Ref, p)
	case *protocol.EdgeDeleted:
		e.applyEdgeDeleted(evt.Ref, p.EdgeID)
	}
	return gap
}

// applySnapshot replaces confirmed state. Optimistic edits still in flight
// survive and are laid over the new state.
func (e *Engine) applySnapshot(s *protocol.StateSnapshot) {
	e.synced = true
	e.version = s.Version
	e.nodes = make(map[string]domain.Node, len(s.Nodes))
	for _, n := range s.Nodes {
		e.nodes[n.ID] = n
	}
	e.edges = make(map[string]domain.Edge, len(s.Edges))
	for _, ed := range s.Edges {
		e.edges[ed.ID] = ed
	}
	e.participants = make(map[string]struct{}, len(s.Participants))
	for _, p := range s.Participants {
		e.participants[p] = struct{}{}
	}

	for id := range e.overlays {
		if _, ok := e.nodes[id]; !ok {
			delete(e.overlays, id)
		}
	}
	for id := range e.deleted {
		_, isNode := e.nodes[id]
		_, isEdge := e.edges[id]
		if !isNode && !isEdge {
			delete(e.deleted, id)
		}
	}
}

func (e *Engine) applyNodeCreated(ref string, p *protocol.NodeCreated) {
	e.nodes[p.ID] = p.Node

	op, ok := e.inflight[ref]
	if !ok || op.kind != opCreateNode {
		return
	}
	delete(e.inflight, ref)
	pn := e.pendingNodes[op.pending]
	delete(e.pendingNodes, op.pending)
	if pn == nil {
		return
	}
	e.resolved[op.pending] = p.ID

	if pn.deleted {
		e.sendDelete(opDeleteNode, p.ID)
		return
	}
	if !pn.patch.Empty() {
		e.sendUpdate(p.ID, pn.patch)
	}
	for pid, pe := range e.pendingEdges {
		if pe.source.Pending == op.pending || pe.target.Pending == op.pending {
			e.flushEdge(pid)
		}
	}
}

func (e *Engine) applyNodeUpdated(ref string, p *protocol.NodeUpdated) {
	n, ok := e.nodes[p.NodeID]
	if !ok {
		e.log.WithField("node_id", p.NodeID).Debug("Ignoring update for unknown node")
		e.settle(ref)
		return
	}
	n = p.Patch().ApplyTo(n)
	n.UpdatedAt = p.UpdatedAt
	e.nodes[p.NodeID] = n
	e.settle(ref)
}

func (e *Engine) applyNodeDeleted(ref string, id string) {
	if _, ok := e.nodes[id]; !ok {
		e.log.WithField("node_id", id).Debug("Ignoring delete for unknown node")
	}
	delete(e.nodes, id)
	delete(e.overlays, id)
	delete(e.deleted, id)
	e.settle(ref)
}

func (e *Engine) applyEdgeCreated(ref string, p *protocol.EdgeCreated) {
	e.edges[p.ID] = p.Edge

	op, ok := e.inflight[ref]
	if !ok || op.kind != opCreateEdge {
		return
	}
	delete(e.inflight, ref)
	pe := e.pendingEdges[op.pending]
	delete(e.pendingEdges, op.pending)
	if pe == nil {
		return
	}
	e.resolved[op.pending] = p.ID
	if pe.deleted {
		e.sendDelete(opDeleteEdge, p.ID)
	}
}

func (e *Engine) applyEdgeDeleted(ref string, id string) {
	if _, ok := e.edges[id]; !ok {
		e.log.WithField("edge_id", id).Debug("Ignoring delete for unknown edge")
	}
	delete(e.edges, id)
	delete(e.deleted, id)
	e.settle(ref)
}

// settle retires the in-flight intent echoed by an update or delete event.
func (e *Engine) settle(ref string) {
	op, ok := e.inflight[ref]
	if !ok {
		return
	}
	delete(e.inflight, ref)
	if op.kind == opUpdateNode {
		e.releaseOverlay(op.id)
	}
}

func (e *Engine) releaseOverlay(id string) {
	ov := e.overlays[id]
	if ov == nil {
		return
	}
	ov.inflight--
	if ov.inflight <= 0 {
		delete(e.overlays, id)
	}
}

// applyError rolls back the intent the server rejected.
func (e *Engine) applyError(ref string, p *protocol.Error) {
	logCtx := e.log.WithFields(logrus.Fields{"ref": ref, "code": p.Code})
	op, ok := e.inflight[ref]
	if !ok {
		logCtx.WithField("message", p.Message).Warn("Server reported an error")
		return
	}
	delete(e.inflight, ref)
	logCtx.WithField("message", p.Message).Info("Intent rejected, rolling back")

	switch op.kind {
	case opCreateNode:
		delete(e.pendingNodes, op.pending)
		e.dropEdgesWaitingOn(op.pending)
	case opUpdateNode:
		e.releaseOverlay(op.id)
	case opDeleteNode, opDeleteEdge:
		if e.deleted[op.id] == ref {
			delete(e.deleted, op.id)
		}
		if p.Code == protocol.CodeNotFound {
			delete(e.nodes, op.id)
			delete(e.edges, op.id)
		}
	case opCreateEdge:
		delete(e.pendingEdges, op.pending)
	}
}
