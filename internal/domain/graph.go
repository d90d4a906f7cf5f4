package domain

import (
	"math"
	"time"
)

// Position is a node's location on the 2-D canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Valid reports whether both coordinates are finite numbers.
func (p Position) Valid() bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) &&
		!math.IsNaN(p.Y) && !math.IsInf(p.Y, 0)
}

// Node is a labelled vertex of a room's graph.
// ID and RoomID never change after creation; Label and Position are the only mutable fields.
type Node struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Label     string    `json:"label"`
	Position  Position  `json:"position"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Edge connects two nodes of the same room.
// Endpoints are checked at creation time only, so an edge may outlive either endpoint.
type Edge struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	SourceID  string    `json:"sourceId"`
	TargetID  string    `json:"targetId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NodePatch carries the fields of an update-node intent. Nil fields are left unchanged.
type NodePatch struct {
	Label    *string   `json:"label,omitempty"`
	Position *Position `json:"position,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p NodePatch) Empty() bool {
	return p.Label == nil && p.Position == nil
}

// ApplyTo returns n with the patch fields overwritten.
func (p NodePatch) ApplyTo(n Node) Node {
	if p.Label != nil {
		n.Label = *p.Label
	}
	if p.Position != nil {
		n.Position = *p.Position
	}
	return n
}

// Merge returns a patch holding the fields of p overwritten by the non-nil fields of next.
func (p NodePatch) Merge(next NodePatch) NodePatch {
	if next.Label != nil {
		p.Label = next.Label
	}
	if next.Position != nil {
		p.Position = next.Position
	}
	return p
}

// LabelPtr and PositionPtr are small helpers for building patches.
func LabelPtr(s string) *string { return &s }

func PositionPtr(x, y float64) *Position { return &Position{X: x, Y: y} }
