// Package replica keeps a client's copy of a room graph and reconciles local
// optimistic edits with the events the server broadcasts.
//
// Confirmed state only ever changes when an event is applied. Local edits are
// kept beside it as overlays (edits to known nodes), delete markers, and
// pending creations that have no server id yet. An overlay stays until every
// intent that contributed to it has been echoed or rejected. Edits to a
// pending node are buffered and sent once its node_created echo carries the
// real id.
//
// An Engine is not safe for concurrent use: the transport session drives it
// from a single goroutine.
package replica

import (
	"errors"
	"fmt"

	"collaborative-mindmap/internal/domain"
	"collaborative-mindmap/internal/protocol"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownEntity means a local edit referenced something the replica
	// does not show. The edit is dropped.
	ErrUnknownEntity = errors.New("replica: unknown entity")
	// ErrInvalidPatch means an update changed nothing.
	ErrInvalidPatch = errors.New("replica: empty node patch")
	// ErrOutOfSync means an event skipped a room version; the caller should
	// resync from a fresh snapshot.
	ErrOutOfSync = errors.New("replica: missed events")
)

// PendingID names a local creation until the server assigns its id.
type PendingID string

// Ref addresses a node or edge that is either confirmed (ID) or was created
// locally (Pending). A pending ref keeps working after the creation is
// confirmed.
type Ref struct {
	ID      string
	Pending PendingID
}

// ByID refers to a confirmed entity.
func ByID(id string) Ref { return Ref{ID: id} }

// ByPending refers to a local creation.
func ByPending(p PendingID) Ref { return Ref{Pending: p} }

// IsPending reports whether the ref names a local creation.
func (r Ref) IsPending() bool { return r.Pending != "" }

func (r Ref) String() string {
	if r.IsPending() {
		return "pending:" + string(r.Pending)
	}
	return r.ID
}

type opKind int

const (
	opCreateNode opKind = iota
	opUpdateNode
	opDeleteNode
	opCreateEdge
	opDeleteEdge
)

// inflight is an intent sent but not yet echoed or rejected.
type inflight struct {
	kind    opKind
	id      string
	pending PendingID
}

type overlay struct {
	patch    domain.NodePatch
	inflight int
}

type pendingNode struct {
	label    string
	position domain.Position
	patch    domain.NodePatch
	deleted  bool
}

type pendingEdge struct {
	source, target Ref
	sent           bool
	deleted        bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithRefGenerator replaces the UUID generator used for intent refs and
// pending ids.
func WithRefGenerator(next func() string) Option {
	return func(e *Engine) { e.newRef = next }
}

// Engine is the replica of one room.
type Engine struct {
	roomID string
	send   func(protocol.Intent)
	newRef func() string
	log    *logrus.Entry

	synced       bool
	version      uint64
	nodes        map[string]domain.Node
	edges        map[string]domain.Edge
	participants map[string]struct{}

	overlays     map[string]*overlay
	deleted      map[string]string // entity id -> ref of the delete intent
	pendingNodes map[PendingID]*pendingNode
	pendingEdges map[PendingID]*pendingEdge
	resolved     map[PendingID]string
	inflight     map[string]inflight
}

// New creates an empty replica. send receives every outbound intent; it must
// not block.
func New(roomID string, send func(protocol.Intent), opts ...Option) *Engine {
	e := &Engine{
		roomID: roomID,
		send:   send,
		newRef: uuid.NewString,
		log:    logrus.WithField("room_id", roomID),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.reset()
	return e
}

func (e *Engine) reset() {
	e.synced = false
	e.version = 0
	e.nodes = make(map[string]domain.Node)
	e.edges = make(map[string]domain.Edge)
	e.participants = make(map[string]struct{})
	e.dropOptimistic()
}

func (e *Engine) dropOptimistic() {
	e.overlays = make(map[string]*overlay)
	e.deleted = make(map[string]string)
	e.pendingNodes = make(map[PendingID]*pendingNode)
	e.pendingEdges = make(map[PendingID]*pendingEdge)
	e.resolved = make(map[PendingID]string)
	e.inflight = make(map[string]inflight)
}

// RoomID returns the room being replicated.
func (e *Engine) RoomID() string { return e.roomID }

// Synced reports whether a snapshot has been applied since the last
// disconnect.
func (e *Engine) Synced() bool { return e.synced }

// Version is the room version of the last applied event.
func (e *Engine) Version() uint64 { return e.version }

// InFlight is the number of intents awaiting an echo or an error.
func (e *Engine) InFlight() int { return len(e.inflight) }

// Disconnected discards every optimistic edit made so far. Confirmed state is
// kept for display until the next snapshot replaces it.
func (e *Engine) Disconnected() {
	e.synced = false
	e.dropOptimistic()
}

func (e *Engine) emit(ref string, op inflight, payload protocol.IntentPayload) {
	e.inflight[ref] = op
	e.send(protocol.Intent{RoomID: e.roomID, Ref: ref, Payload: payload})
}

// CreateNode adds a node locally and asks the server to create it.
func (e *Engine) CreateNode(label string, pos domain.Position) PendingID {
	pid := PendingID(e.newRef())
	e.pendingNodes[pid] = &pendingNode{label: label, position: pos}
	e.emit(string(pid), inflight{kind: opCreateNode, pending: pid},
		&protocol.CreateNode{Label: label, Position: pos})
	return pid
}

// UpdateNode overlays patch on the node and sends it. Edits to a node whose
// creation is still pending are held until its id is known.
func (e *Engine) UpdateNode(ref Ref, patch domain.NodePatch) error {
	if patch.Empty() {
		return ErrInvalidPatch
	}
	id, ok := e.resolve(ref)
	if !ok {
		pn := e.pendingNodes[ref.Pending]
		if pn == nil || pn.deleted {
			return fmt.Errorf("node %s: %w", ref, ErrUnknownEntity)
		}
		pn.patch = pn.patch.Merge(patch)
		return nil
	}
	if !e.nodeVisible(id) {
		return fmt.Errorf("node %s: %w", ref, ErrUnknownEntity)
	}
	e.sendUpdate(id, patch)
	return nil
}

func (e *Engine) sendUpdate(id string, patch domain.NodePatch) {
	ov := e.overlays[id]
	if ov == nil {
		ov = &overlay{}
		e.overlays[id] = ov
	}
	ov.patch = ov.patch.Merge(patch)
	ov.inflight++
	e.emit(e.newRef(), inflight{kind: opUpdateNode, id: id},
		&protocol.UpdateNode{NodeID: id, Label: patch.Label, Position: patch.Position})
}

// DeleteNode hides the node and asks the server to delete it.
func (e *Engine) DeleteNode(ref Ref) error {
	id, ok := e.resolve(ref)
	if !ok {
		pn := e.pendingNodes[ref.Pending]
		if pn == nil || pn.deleted {
			return fmt.Errorf("node %s: %w", ref, ErrUnknownEntity)
		}
		pn.deleted = true
		e.dropEdgesWaitingOn(ref.Pending)
		return nil
	}
	if !e.nodeVisible(id) {
		return fmt.Errorf("node %s: %w", ref, ErrUnknownEntity)
	}
	e.sendDelete(opDeleteNode, id)
	return nil
}

// CreateEdge links two nodes, either of which may still be pending. The
// intent is sent once both endpoints have server ids.
func (e *Engine) CreateEdge(source, target Ref) (PendingID, error) {
	if !e.refVisible(source) {
		return "", fmt.Errorf("source %s: %w", source, ErrUnknownEntity)
	}
	if !e.refVisible(target) {
		return "", fmt.Errorf("target %s: %w", target, ErrUnknownEntity)
	}
	pid := PendingID(e.newRef())
	e.pendingEdges[pid] = &pendingEdge{source: source, target: target}
	e.flushEdge(pid)
	return pid, nil
}

// DeleteEdge hides the edge and asks the server to delete it.
func (e *Engine) DeleteEdge(ref Ref) error {
	id, ok := e.resolve(ref)
	if !ok {
		pe := e.pendingEdges[ref.Pending]
		if pe == nil || pe.deleted {
			return fmt.Errorf("edge %s: %w", ref, ErrUnknownEntity)
		}
		if !pe.sent {
			delete(e.pendingEdges, ref.Pending)
			return nil
		}
		pe.deleted = true
		return nil
	}
	if _, ok := e.edges[id]; !ok {
		return fmt.Errorf("edge %s: %w", ref, ErrUnknownEntity)
	}
	if _, gone := e.deleted[id]; gone {
		return fmt.Errorf("edge %s: %w", ref, ErrUnknownEntity)
	}
	e.sendDelete(opDeleteEdge, id)
	return nil
}

func (e *Engine) sendDelete(kind opKind, id string) {
	ref := e.newRef()
	e.deleted[id] = ref
	if kind == opDeleteNode {
		e.emit(ref, inflight{kind: kind, id: id}, &protocol.DeleteNode{NodeID: id})
		return
	}
	e.emit(ref, inflight{kind: kind, id: id}, &protocol.DeleteEdge{EdgeID: id})
}

// resolve maps ref to a server id if it has one.
func (e *Engine) resolve(ref Ref) (string, bool) {
	if !ref.IsPending() {
		return ref.ID, ref.ID != ""
	}
	id, ok := e.resolved[ref.Pending]
	return id, ok
}

func (e *Engine) nodeVisible(id string) bool {
	if _, ok := e.nodes[id]; !ok {
		return false
	}
	_, gone := e.deleted[id]
	return !gone
}

func (e *Engine) refVisible(ref Ref) bool {
	if id, ok := e.resolve(ref); ok {
		return e.nodeVisible(id)
	}
	pn := e.pendingNodes[ref.Pending]
	return pn != nil && !pn.deleted
}

// flushEdge sends a pending edge once both endpoints are known.
func (e *Engine) flushEdge(pid PendingID) {
	pe := e.pendingEdges[pid]
	if pe == nil || pe.sent {
		return
	}
	src, ok := e.resolve(pe.source)
	if !ok {
		return
	}
	tgt, ok := e.resolve(pe.target)
	if !ok {
		return
	}
	pe.sent = true
	e.emit(string(pid), inflight{kind: opCreateEdge, pending: pid},
		&protocol.CreateEdge{SourceID: src, TargetID: tgt})
}

func (e *Engine) dropEdgesWaitingOn(node PendingID) {
	for pid, pe := range e.pendingEdges {
		if pe.sent {
			continue
		}
		if pe.source.Pending == node || pe.target.Pending == node {
			delete(e.pendingEdges, pid)
		}
	}
}
