package service

import (
	"errors"
	"fmt"

	"collaborative-mindmap/internal/repository"
)

var (
	ErrSnapshotUnavailable = errors.New("snapshot storage unavailable")
	ErrCorruptSnapshot     = errors.New("stored snapshot is corrupt")
	ErrInvalidSnapshot     = errors.New("invalid snapshot")
)

// mapRepoError turns a repository error into a service error, keeping the
// original text.
func mapRepoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrCorrupt) {
		return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
}
