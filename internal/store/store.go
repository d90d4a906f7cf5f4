// Package store holds the canonical node/edge state of one room.
//
// A Store is not safe for concurrent use. It is owned by the room loop in
// package hub, which feeds it intents one at a time in arrival order; that
// loop is the single serialization point that makes last-writer-wins
// well-defined.
package store

import (
	"crypto/rand"
	"fmt"
	"time"
	"unicode/utf8"

	"collaborative-mindmap/internal/domain"
	"collaborative-mindmap/internal/protocol"

	"github.com/oklog/ulid/v2"
)

// Sink receives the single event produced by every successful mutation.
type Sink interface {
	Emit(evt protocol.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(evt protocol.Event)

func (f SinkFunc) Emit(evt protocol.Event) { f(evt) }

// Meta identifies the intent behind a mutation. It is copied onto the event.
type Meta struct {
	Ref   string
	Actor string
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces the ULID generator.
func WithIDGenerator(next func() string) Option {
	return func(s *Store) { s.nextID = next }
}

// Store is the authoritative graph of one room.
type Store struct {
	roomID  string
	nodes   map[string]domain.Node
	edges   map[string]domain.Edge
	version uint64
	sink    Sink
	now     func() time.Time
	nextID  func() string
}

// New creates an empty store for roomID. sink may be nil.
func New(roomID string, sink Sink, opts ...Option) *Store {
	s := &Store{
		roomID: roomID,
		nodes:  make(map[string]domain.Node),
		edges:  make(map[string]domain.Edge),
		sink:   sink,
		now:    func() time.Time { return time.Now().UTC() },
		nextID: newULID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newULID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// RoomID returns the room the store belongs to.
func (s *Store) RoomID() string { return s.roomID }

// Version is the number of mutations applied since the room was first created.
func (s *Store) Version() uint64 { return s.version }

// Restore replaces the whole state with snap without emitting events.
// Used to seed a room from the persistence collaborator.
func (s *Store) Restore(snap domain.Snapshot) {
	s.nodes = make(map[string]domain.Node, len(snap.Nodes))
	s.edges = make(map[string]domain.Edge, len(snap.Edges))
	for _, n := range snap.Nodes {
		n.RoomID = s.roomID
		s.nodes[n.ID] = n
	}
	for _, e := range snap.Edges {
		e.RoomID = s.roomID
		s.edges[e.ID] = e
	}
	s.version = snap.Version
}

// CreateNode inserts a node with a fresh id.
func (s *Store) CreateNode(meta Meta, label string, pos domain.Position) (domain.Node, error) {
	if !pos.Valid() {
		return domain.Node{}, ErrInvalidPosition
	}
	if utf8.RuneCountInString(label) > protocol.MaxLabelLength {
		return domain.Node{}, ErrLabelTooLong
	}
	now := s.now()
	n := domain.Node{
		ID:        s.nextID(),
		RoomID:    s.roomID,
		Label:     label,
		Position:  pos,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.nodes[n.ID] = n
	s.emit(meta, &protocol.NodeCreated{Node: n})
	return n, nil
}

// UpdateNode overwrites the fields set in patch and bumps the timestamp.
func (s *Store) UpdateNode(meta Meta, id string, patch domain.NodePatch) (domain.Node, error) {
	if patch.Empty() {
		return domain.Node{}, ErrInvalidPatch
	}
	if patch.Position != nil && !patch.Position.Valid() {
		return domain.Node{}, ErrInvalidPosition
	}
	if patch.Label != nil && utf8.RuneCountInString(*patch.Label) > protocol.MaxLabelLength {
		return domain.Node{}, ErrLabelTooLong
	}
	n, ok := s.nodes[id]
	if !ok {
		return domain.Node{}, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	n = patch.ApplyTo(n)
	n.UpdatedAt = s.now()
	s.nodes[id] = n
	s.emit(meta, &protocol.NodeUpdated{
		NodeID:    id,
		Label:     patch.Label,
		Position:  patch.Position,
		UpdatedAt: n.UpdatedAt,
	})
	return n, nil
}

// DeleteNode removes a node. Edges that reference it are left in place.
func (s *Store) DeleteNode(meta Meta, id string) error {
	if _, ok := s.nodes[id]; !ok {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	delete(s.nodes, id)
	s.emit(meta, &protocol.NodeDeleted{NodeID: id})
	return nil
}

// CreateEdge links two nodes that currently exist in the room.
func (s *Store) CreateEdge(meta Meta, sourceID, targetID string) (domain.Edge, error) {
	if _, ok := s.nodes[sourceID]; !ok {
		return domain.Edge{}, fmt.Errorf("source %s: %w", sourceID, ErrInvalidReference)
	}
	if _, ok := s.nodes[targetID]; !ok {
		return domain.Edge{}, fmt.Errorf("target %s: %w", targetID, ErrInvalidReference)
	}
	now := s.now()
	e := domain.Edge{
		ID:        s.nextID(),
		RoomID:    s.roomID,
		SourceID:  sourceID,
		TargetID:  targetID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.edges[e.ID] = e
	s.emit(meta, &protocol.EdgeCreated{Edge: e})
	return e, nil
}

// DeleteEdge removes an edge.
func (s *Store) DeleteEdge(meta Meta, id string) error {
	if _, ok := s.edges[id]; !ok {
		return fmt.Errorf("edge %s: %w", id, ErrNotFound)
	}
	delete(s.edges, id)
	s.emit(meta, &protocol.EdgeDeleted{EdgeID: id})
	return nil
}

// Node returns a node by id.
func (s *Store) Node(id string) (domain.Node, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

// Edge returns an edge by id.
func (s *Store) Edge(id string) (domain.Edge, bool) {
	e, ok := s.edges[id]
	return e, ok
}

// Snapshot copies the current state. The result shares nothing with the store.
func (s *Store) Snapshot() domain.Snapshot {
	snap := domain.Snapshot{
		RoomID:  s.roomID,
		Version: s.version,
		Nodes:   make([]domain.Node, 0, len(s.nodes)),
		Edges:   make([]domain.Edge, 0, len(s.edges)),
		TakenAt: s.now(),
	}
	for _, n := range s.nodes {
		snap.Nodes = append(snap.Nodes, n)
	}
	for _, e := range s.edges {
		snap.Edges = append(snap.Edges, e)
	}
	snap.Normalize()
	return snap
}

func (s *Store) emit(meta Meta, payload protocol.EventPayload) {
	s.version++
	if s.sink == nil {
		return
	}
	s.sink.Emit(protocol.Event{
		RoomID:  s.roomID,
		Ref:     meta.Ref,
		Seq:     s.version,
		Actor:   meta.Actor,
		Payload: payload,
	})
}
