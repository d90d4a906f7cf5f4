// Package protocol defines the messages exchanged between a participant and a
// shared mindmap room, and their JSON wire encoding.
//
// Every message travels in the same envelope:
//
//	{"type": "...", "roomId": "...", "ref": "...", "seq": 7, "actor": "...", "data": {...}}
//
// Intents flow from client to server, events from server to client. Ref is a
// client-chosen correlation id that the server copies onto the event (or
// error) produced by that intent. Seq is the room version after the event was
// applied, so events of one room are totally ordered.
package protocol

import (
	"time"

	"collaborative-mindmap/internal/domain"
)

// IntentType discriminates client-to-server messages.
type IntentType string

const (
	IntentJoin       IntentType = "join_mindmap"
	IntentLeave      IntentType = "leave_mindmap"
	IntentCreateNode IntentType = "node_added"
	IntentUpdateNode IntentType = "node_updated"
	IntentDeleteNode IntentType = "node_deleted"
	IntentCreateEdge IntentType = "edge_added"
	IntentDeleteEdge IntentType = "edge_deleted"
)

// EventType discriminates server-to-client messages.
type EventType string

const (
	EventSnapshot          EventType = "mindmap_state"
	EventNodeCreated       EventType = "node_created"
	EventNodeUpdated       EventType = "node_updated"
	EventNodeDeleted       EventType = "node_deleted"
	EventEdgeCreated       EventType = "edge_created"
	EventEdgeDeleted       EventType = "edge_deleted"
	EventParticipantJoined EventType = "user_joined"
	EventParticipantLeft   EventType = "user_left"
	EventError             EventType = "error"
)

// MaxLabelLength bounds node labels, counted in characters (runes).
const MaxLabelLength = 512

// IntentPayload is implemented by every intent body.
type IntentPayload interface {
	IntentType() IntentType
}

// Intent is a request to join, leave or mutate a room.
type Intent struct {
	RoomID  string
	Ref     string
	Payload IntentPayload
}

// Type returns the discriminator of the payload.
func (i Intent) Type() IntentType {
	if i.Payload == nil {
		return ""
	}
	return i.Payload.IntentType()
}

// Mutating reports whether the intent changes canonical state.
func (i Intent) Mutating() bool {
	switch i.Type() {
	case IntentCreateNode, IntentUpdateNode, IntentDeleteNode, IntentCreateEdge, IntentDeleteEdge:
		return true
	}
	return false
}

type Join struct {
	UserID string `json:"userId,omitempty" validate:"omitempty,max=128"`
}

type Leave struct {
	UserID string `json:"userId,omitempty" validate:"omitempty,max=128"`
}

type CreateNode struct {
	Label    string          `json:"label" validate:"max=512"`
	Position domain.Position `json:"position"`
}

type UpdateNode struct {
	NodeID   string           `json:"nodeId" validate:"required,max=64"`
	Label    *string          `json:"label,omitempty" validate:"omitempty,max=512"`
	Position *domain.Position `json:"position,omitempty"`
}

// Patch returns the mutable fields carried by the intent.
func (u *UpdateNode) Patch() domain.NodePatch {
	return domain.NodePatch{Label: u.Label, Position: u.Position}
}

type DeleteNode struct {
	NodeID string `json:"nodeId" validate:"required,max=64"`
}

type CreateEdge struct {
	SourceID string `json:"sourceId" validate:"required,max=64"`
	TargetID string `json:"targetId" validate:"required,max=64"`
}

type DeleteEdge struct {
	EdgeID string `json:"edgeId" validate:"required,max=64"`
}

func (*Join) IntentType() IntentType       { return IntentJoin }
func (*Leave) IntentType() IntentType      { return IntentLeave }
func (*CreateNode) IntentType() IntentType { return IntentCreateNode }
func (*UpdateNode) IntentType() IntentType { return IntentUpdateNode }
func (*DeleteNode) IntentType() IntentType { return IntentDeleteNode }
func (*CreateEdge) IntentType() IntentType { return IntentCreateEdge }
func (*DeleteEdge) IntentType() IntentType { return IntentDeleteEdge }

// EventPayload is implemented by every event body.
type EventPayload interface {
	EventType() EventType
}

// Event is a server notification. Actor is the participant whose intent
// produced it, empty for server-originated events.
type Event struct {
	RoomID  string
	Ref     string
	Seq     uint64
	Actor   string
	Payload EventPayload
}

// Type returns the discriminator of the payload.
func (e Event) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// StateSnapshot is sent once, right after a join is accepted.
type StateSnapshot struct {
	Version      uint64        `json:"version"`
	Nodes        []domain.Node `json:"nodes"`
	Edges        []domain.Edge `json:"edges"`
	Participants []string      `json:"participants"`
}

// NodeCreated carries the full node, flattened into the data object.
type NodeCreated struct {
	domain.Node
}

// NodeUpdated carries only the fields that changed.
type NodeUpdated struct {
	NodeID    string           `json:"nodeId"`
	Label     *string          `json:"label,omitempty"`
	Position  *domain.Position `json:"position,omitempty"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Patch returns the changed fields.
func (u *NodeUpdated) Patch() domain.NodePatch {
	return domain.NodePatch{Label: u.Label, Position: u.Position}
}

type NodeDeleted struct {
	NodeID string `json:"nodeId"`
}

type EdgeCreated struct {
	domain.Edge
}

type EdgeDeleted struct {
	EdgeID string `json:"edgeId"`
}

type ParticipantJoined struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type ParticipantLeft struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorCode classifies a rejected intent.
type ErrorCode string

const (
	CodeNotFound         ErrorCode = "not_found"
	CodeInvalidReference ErrorCode = "invalid_reference"
	CodeBadRequest       ErrorCode = "bad_request"
	CodeNotJoined        ErrorCode = "not_joined"
	CodeOverloaded       ErrorCode = "overloaded"
	CodeInternal         ErrorCode = "internal"
)

// Error is sent to the initiating participant only.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (*StateSnapshot) EventType() EventType     { return EventSnapshot }
func (*NodeCreated) EventType() EventType       { return EventNodeCreated }
func (*NodeUpdated) EventType() EventType       { return EventNodeUpdated }
func (*NodeDeleted) EventType() EventType       { return EventNodeDeleted }
func (*EdgeCreated) EventType() EventType       { return EventEdgeCreated }
func (*EdgeDeleted) EventType() EventType       { return EventEdgeDeleted }
func (*ParticipantJoined) EventType() EventType { return EventParticipantJoined }
func (*ParticipantLeft) EventType() EventType   { return EventParticipantLeft }
func (*Error) EventType() EventType             { return EventError }

// SnapshotEvent wraps a domain snapshot as the join reply.
func SnapshotEvent(snap domain.Snapshot) Event {
	nodes, edges := snap.Nodes, snap.Edges
	if nodes == nil {
		nodes = []domain.Node{}
	}
	if edges == nil {
		edges = []domain.Edge{}
	}
	participants := snap.Participants
	if participants == nil {
		participants = []string{}
	}
	return Event{
		RoomID: snap.RoomID,
		Seq:    snap.Version,
		Payload: &StateSnapshot{
			Version:      snap.Version,
			Nodes:        nodes,
			Edges:        edges,
			Participants: participants,
		},
	}
}

// ToDomain converts the payload back into a domain snapshot.
func (s *StateSnapshot) ToDomain(roomID string) domain.Snapshot {
	snap := domain.Snapshot{
		RoomID:       roomID,
		Version:      s.Version,
		Nodes:        append([]domain.Node(nil), s.Nodes...),
		Edges:        append([]domain.Edge(nil), s.Edges...),
		Participants: append([]string(nil), s.Participants...),
	}
	snap.Normalize()
	return snap
}

// ErrorEvent builds the reply for a rejected intent.
func ErrorEvent(roomID, ref string, code ErrorCode, message string) Event {
	return Event{
		RoomID:  roomID,
		Ref:     ref,
		Payload: &Error{Code: code, Message: message},
	}
}
