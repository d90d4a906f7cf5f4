package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Snapshot is a full point-in-time copy of a room's graph.
// Nodes and Edges are sorted by ID so equal states produce equal snapshots.
type Snapshot struct {
	RoomID       string    `json:"roomId"`
	Version      uint64    `json:"version"`
	Nodes        []Node    `json:"nodes"`
	Edges        []Edge    `json:"edges"`
	Participants []string  `json:"participants,omitempty"`
	TakenAt      time.Time `json:"takenAt"`
}

// Normalize sorts nodes and edges by ID and replaces nil slices with empty ones.
func (s *Snapshot) Normalize() {
	if s.Nodes == nil {
		s.Nodes = []Node{}
	}
	if s.Edges == nil {
		s.Edges = []Edge{}
	}
	sort.Slice(s.Nodes, func(i, j int) bool { return s.Nodes[i].ID < s.Nodes[j].ID })
	sort.Slice(s.Edges, func(i, j int) bool { return s.Edges[i].ID < s.Edges[j].ID })
}

// GraphState is the persisted part of a snapshot.
type GraphState struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// GraphSnapshot stores a room's graph at a given version in the database.
type GraphSnapshot struct {
	ID        uint      `gorm:"primaryKey"`
	RoomID    string    `gorm:"type:varchar(191);uniqueIndex:idx_room_version;not null"`
	Version   uint64    `gorm:"uniqueIndex:idx_room_version;not null"`
	Data      string    `gorm:"type:longtext;not null"` // JSON encoded GraphState
	CreatedAt time.Time `gorm:"index;not null"`
}

// TableName pins the table name used by GORM.
func (GraphSnapshot) TableName() string { return "graph_snapshots" }

// ParseState decodes the Data column. An empty column is an empty graph.
func (s *GraphSnapshot) ParseState() (GraphState, error) {
	var state GraphState
	if s.Data == "" || s.Data == "null" {
		return GraphState{Nodes: []Node{}, Edges: []Edge{}}, nil
	}
	if err := json.Unmarshal([]byte(s.Data), &state); err != nil {
		return GraphState{}, fmt.Errorf("failed to unmarshal snapshot data: %w", err)
	}
	return state, nil
}

// SetState encodes state into the Data column.
func (s *GraphSnapshot) SetState(state GraphState) error {
	if state.Nodes == nil {
		state.Nodes = []Node{}
	}
	if state.Edges == nil {
		state.Edges = []Edge{}
	}
	bytes, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal graph state: %w", err)
	}
	s.Data = string(bytes)
	return nil
}

// ToSnapshot converts the stored row back into a Snapshot.
func (s *GraphSnapshot) ToSnapshot() (Snapshot, error) {
	state, err := s.ParseState()
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		RoomID:  s.RoomID,
		Version: s.Version,
		Nodes:   state.Nodes,
		Edges:   state.Edges,
		TakenAt: s.CreatedAt,
	}
	snap.Normalize()
	return snap, nil
}

// NewGraphSnapshot builds a storable row from a snapshot.
func NewGraphSnapshot(snap Snapshot) (*GraphSnapshot, error) {
	row := &GraphSnapshot{
		RoomID:    snap.RoomID,
		Version:   snap.Version,
		CreatedAt: snap.TakenAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := row.SetState(GraphState{Nodes: snap.Nodes, Edges: snap.Edges}); err != nil {
		return nil, err
	}
	return row, nil
}
