package hub

import (
	"errors"

	"collaborative-mindmap/internal/protocol"
	"collaborative-mindmap/internal/store"
)

var (
	// ErrQueueFull means the room inbox is full; the intent was not accepted.
	ErrQueueFull = errors.New("hub: room queue full")
	// ErrClosed means the hub is shutting down.
	ErrClosed = errors.New("hub: closed")
	// ErrNotJoined means a connection submitted a mutation before joining.
	ErrNotJoined = errors.New("hub: participant has not joined the room")
	// ErrUnsupported means an intent type cannot be applied through this path.
	ErrUnsupported = errors.New("hub: unsupported intent")

	errRoomClosed = errors.New("hub: room closed")
)

// CodeFor maps an error from the room pipeline to the code sent to the client.
func CodeFor(err error) protocol.ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, store.ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, store.ErrInvalidReference):
		return protocol.CodeInvalidReference
	case errors.Is(err, store.ErrInvalidPatch),
		errors.Is(err, store.ErrInvalidPosition),
		errors.Is(err, store.ErrLabelTooLong),
		errors.Is(err, protocol.ErrDecode),
		errors.Is(err, ErrUnsupported):
		return protocol.CodeBadRequest
	case errors.Is(err, ErrNotJoined):
		return protocol.CodeNotJoined
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrClosed):
		return protocol.CodeOverloaded
	default:
		return protocol.CodeInternal
	}
}
