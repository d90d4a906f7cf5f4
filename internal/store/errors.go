package store

import "errors"

var (
	// ErrNotFound means the referenced node or edge is not in the room.
	ErrNotFound = errors.New("store: entity not found")
	// ErrInvalidReference means an edge endpoint does not exist in the room.
	ErrInvalidReference = errors.New("store: invalid edge reference")
	// ErrInvalidPatch means an update carried no field to change.
	ErrInvalidPatch = errors.New("store: empty node patch")
	// ErrInvalidPosition means a coordinate was NaN or infinite.
	ErrInvalidPosition = errors.New("store: invalid position")
	// ErrLabelTooLong means a label exceeded protocol.MaxLabelLength.
	ErrLabelTooLong = errors.New("store: label too long")
)
