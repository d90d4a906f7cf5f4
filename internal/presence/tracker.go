// Package presence tracks which participants are attached to a room.
package presence

import (
	"sort"
	"time"

	"collaborative-mindmap/internal/domain"
	"collaborative-mindmap/internal/protocol"
)

// Notifier delivers a presence event to every participant except one.
type Notifier interface {
	Broadcast(evt protocol.Event, except string)
}

// Tracker is the presence set of one room, keyed by participant id.
// Like the entity store it is owned by the room loop and is not safe for
// concurrent use.
type Tracker struct {
	roomID  string
	members map[string]domain.Participant
	notify  Notifier
	now     func() time.Time
}

// NewTracker creates an empty presence set. notify may be nil.
func NewTracker(roomID string, notify Notifier) *Tracker {
	return &Tracker{
		roomID:  roomID,
		members: make(map[string]domain.Participant),
		notify:  notify,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Join registers the participant on connID. A participant that is already
// present on another connection is replaced in place and nobody is notified;
// otherwise every other participant receives user_joined.
// It returns the replaced entry, if any.
func (t *Tracker) Join(participantID, connID string) (previous domain.Participant, replaced bool) {
	previous, replaced = t.members[participantID]
	now := t.now()
	t.members[participantID] = domain.Participant{UserID: participantID, ConnID: connID, JoinedAt: now}
	if replaced {
		return previous, true
	}
	t.broadcast(&protocol.ParticipantJoined{UserID: participantID, Timestamp: now}, participantID)
	return domain.Participant{}, false
}

// Leave deregisters the participant. Leaving twice is a no-op and emits
// user_left only once.
func (t *Tracker) Leave(participantID string) bool {
	if _, ok := t.members[participantID]; !ok {
		return false
	}
	delete(t.members, participantID)
	t.broadcast(&protocol.ParticipantLeft{UserID: participantID, Timestamp: t.now()}, participantID)
	return true
}

// LeaveConn is Leave for a disconnect signal: it only removes the entry if it
// still belongs to connID, so the late close of a replaced connection does not
// evict the participant's new one.
func (t *Tracker) LeaveConn(participantID, connID string) bool {
	m, ok := t.members[participantID]
	if !ok || m.ConnID != connID {
		return false
	}
	return t.Leave(participantID)
}

// Participants returns the present participant ids, sorted.
func (t *Tracker) Participants() []string {
	ids := make([]string, 0, len(t.members))
	for id := range t.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len is the number of present participants.
func (t *Tracker) Len() int { return len(t.members) }

func (t *Tracker) broadcast(payload protocol.EventPayload, except string) {
	if t.notify == nil {
		return
	}
	t.notify.Broadcast(protocol.Event{RoomID: t.roomID, Actor: except, Payload: payload}, except)
}
