package repository

import "errors"

var (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("repository: record not found")
	// ErrDuplicateEntry means the write violated a unique constraint.
	ErrDuplicateEntry = errors.New("repository: duplicate entry")
	// ErrCorrupt means a stored record could not be decoded.
	ErrCorrupt = errors.New("repository: corrupt record")
)

var (
	ErrSnapshotNotFound = ErrNotFound
	ErrCacheMiss        = ErrNotFound
)
