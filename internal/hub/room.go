package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"collaborative-mindmap/internal/domain"
	"collaborative-mindmap/internal/presence"
	"collaborative-mindmap/internal/protocol"
	"collaborative-mindmap/internal/store"

	"github.com/sirupsen/logrus"
)

type messageKind int

const (
	msgJoin messageKind = iota
	msgLeave
	msgIntent
	msgApply
	msgSnapshot
	msgParticipants
)

func (k messageKind) String() string {
	switch k {
	case msgJoin:
		return "join"
	case msgLeave:
		return "leave"
	case msgIntent:
		return "intent"
	case msgApply:
		return "apply"
	case msgSnapshot:
		return "snapshot"
	case msgParticipants:
		return "participants"
	}
	return "unknown"
}

// message is one unit of work in a room inbox.
type message struct {
	kind   messageKind
	sub    Subscriber // join, intent
	userID string     // leave, apply
	connID string     // leave; empty matches any connection
	intent protocol.Intent
	reply  chan reply // apply, snapshot, participants
}

type reply struct {
	event        protocol.Event
	snapshot     domain.Snapshot
	participants []string
	err          error
}

// Room serializes every operation on one shared graph. Its store, presence
// set and subscriber map are touched only by the run goroutine.
type Room struct {
	id    string
	hub   *Hub
	inbox chan message
	done  chan struct{}
	prev  *Room

	mu     sync.Mutex
	closed bool

	store        *store.Store
	presence     *presence.Tracker
	subs         map[string]Subscriber
	log          *logrus.Entry
	persist      bool
	savedVersion uint64
	lastEvent    protocol.Event
}

func newRoom(h *Hub, id string, prev *Room) *Room {
	r := &Room{
		id:    id,
		hub:   h,
		inbox: make(chan message, h.opts.QueueSize),
		done:  make(chan struct{}),
		prev:  prev,
		subs:  make(map[string]Subscriber),
		log:   logrus.WithField("room_id", id),
	}
	r.store = store.New(id, r, h.opts.StoreOptions...)
	r.presence = presence.NewTracker(id, r)
	return r
}

// enqueue hands msg to the loop without blocking.
func (r *Room) enqueue(msg message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRoomClosed
	}
	select {
	case r.inbox <- msg:
		return nil
	default:
		r.log.WithField("message", msg.kind.String()).Warn("Room queue full, rejecting message")
		return ErrQueueFull
	}
}

func (r *Room) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// tryClose marks the room closed if nothing is waiting in the inbox.
func (r *Room) tryClose() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.inbox) > 0 {
		return false
	}
	r.closed = true
	return true
}

func (r *Room) run(ctx context.Context) {
	defer r.hub.wg.Done()
	defer close(r.done)

	// A room reopened right after closing must see the snapshot its
	// predecessor saved.
	if r.prev != nil {
		<-r.prev.done
		r.prev = nil
	}
	r.load()

	for {
		// Shutdown wins over queued work.
		if ctx.Err() != nil {
			r.shutdown()
			return
		}
		select {
		case msg := <-r.inbox:
			r.handle(msg)
			if r.hub.evictEmpty() && r.presence.Len() == 0 && r.tryClose() {
				r.log.Debug("Room empty, closing")
				r.finish(protocol.CloseShutdown)
				return
			}
		case <-ctx.Done():
			r.shutdown()
			return
		}
	}
}

func (r *Room) shutdown() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.drain()
	r.finish(protocol.CloseShutdown)
}

func (r *Room) load() {
	if r.hub.opts.Snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.hub.opts.StorageTimeout)
	defer cancel()

	snap, found, err := r.hub.opts.Snapshots.Load(ctx, r.id)
	if err != nil {
		// persist stays false: a room that failed to load is never saved.
		r.log.WithError(err).Error("Failed to load room snapshot, room will not be persisted")
		r.hub.opts.Metrics.SnapshotLoaded("error")
		return
	}
	r.persist = true
	if !found {
		r.hub.opts.Metrics.SnapshotLoaded("empty")
		return
	}
	r.store.Restore(snap)
	r.savedVersion = snap.Version
	r.hub.opts.Metrics.SnapshotLoaded("storage")
	r.log.WithFields(logrus.Fields{
		"version": snap.Version,
		"nodes":   len(snap.Nodes),
		"edges":   len(snap.Edges),
	}).Info("Room restored from snapshot")
}

// drain answers everything still queued once the hub is shutting down.
func (r *Room) drain() {
	for {
		select {
		case msg := <-r.inbox:
			if msg.reply != nil {
				msg.reply <- reply{err: ErrClosed}
			}
			// A queued join is never answered otherwise; close its
			// sender so the client reconnects without waiting.
			if msg.sub != nil {
				msg.sub.Close(protocol.CloseShutdown)
			}
		default:
			return
		}
	}
}

func (r *Room) finish(closeCode int) {
	for pid, sub := range r.subs {
		sub.Close(closeCode)
		delete(r.subs, pid)
		r.hub.opts.Metrics.ParticipantLeft()
	}
	r.save()
	r.hub.release(r)
	r.hub.opts.Metrics.RoomClosed()
}

func (r *Room) save() {
	if !r.persist || r.store.Version() == r.savedVersion {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.hub.opts.StorageTimeout)
	defer cancel()

	snap := r.snapshot()
	start := time.Now()
	err := r.hub.opts.Snapshots.Save(ctx, snap)
	r.hub.opts.Metrics.SnapshotSaved(time.Since(start), err)
	if err != nil {
		r.log.WithError(err).WithField("version", snap.Version).Error("Failed to save room snapshot")
		return
	}
	r.savedVersion = snap.Version
	r.log.WithField("version", snap.Version).Info("Room snapshot saved")
}

func (r *Room) handle(msg message) {
	switch msg.kind {
	case msgJoin:
		r.join(msg.sub)
	case msgLeave:
		r.leave(msg.userID, msg.connID)
	case msgIntent:
		r.intent(msg.sub, msg.intent)
	case msgApply:
		evt, err := r.apply(msg.userID, msg.intent)
		msg.reply <- reply{event: evt, err: err}
	case msgSnapshot:
		msg.reply <- reply{snapshot: r.snapshot()}
	case msgParticipants:
		msg.reply <- reply{participants: r.presence.Participants()}
	default:
		r.log.Warnf("Unknown room message kind: %d", msg.kind)
	}
}

// join attaches sub and sends it the current state. A participant joining
// again from a new connection replaces the old one.
func (r *Room) join(sub Subscriber) {
	pid := sub.ParticipantID()
	logCtx := r.log.WithFields(logrus.Fields{
		"user_id":   pid,
		"conn_id":   sub.ConnID(),
		"operation": "join",
	})

	if old, ok := r.subs[pid]; ok && old.ConnID() != sub.ConnID() {
		logCtx.WithField("replaced_conn_id", old.ConnID()).Info("Participant rejoined from a new connection")
		old.Close(protocol.CloseReplaced)
	}
	r.subs[pid] = sub
	if _, replaced := r.presence.Join(pid, sub.ConnID()); !replaced {
		r.hub.opts.Metrics.ParticipantJoined()
		logCtx.Info("Participant joined")
	}
	r.deliver(sub, protocol.SnapshotEvent(r.snapshot()))
}

// leave detaches a participant. connID, when set, must match the
// participant's current connection.
func (r *Room) leave(pid, connID string) {
	sub, ok := r.subs[pid]
	if !ok {
		return
	}
	if connID == "" {
		connID = sub.ConnID()
	}
	if !r.presence.LeaveConn(pid, connID) {
		return
	}
	delete(r.subs, pid)
	r.hub.opts.Metrics.ParticipantLeft()
	r.log.WithFields(logrus.Fields{"user_id": pid, "conn_id": connID}).Info("Participant left")
}

func (r *Room) intent(sub Subscriber, in protocol.Intent) {
	switch in.Payload.(type) {
	case *protocol.Join:
		r.join(sub)
		return
	case *protocol.Leave:
		r.leave(sub.ParticipantID(), sub.ConnID())
		return
	}

	pid := sub.ParticipantID()
	if cur, ok := r.subs[pid]; !ok || cur.ConnID() != sub.ConnID() {
		r.reject(sub, in, ErrNotJoined)
		return
	}
	if err := r.mutate(pid, in); err != nil {
		r.reject(sub, in, err)
	}
}

func (r *Room) apply(actor string, in protocol.Intent) (protocol.Event, error) {
	r.lastEvent = protocol.Event{}
	if err := r.mutate(actor, in); err != nil {
		r.hub.opts.Metrics.IntentRejected(string(CodeFor(err)))
		return protocol.Event{}, err
	}
	return r.lastEvent, nil
}

func (r *Room) mutate(actor string, in protocol.Intent) error {
	meta := store.Meta{Ref: in.Ref, Actor: actor}
	var err error
	switch p := in.Payload.(type) {
	case *protocol.CreateNode:
		_, err = r.store.CreateNode(meta, p.Label, p.Position)
	case *protocol.UpdateNode:
		_, err = r.store.UpdateNode(meta, p.NodeID, p.Patch())
	case *protocol.DeleteNode:
		err = r.store.DeleteNode(meta, p.NodeID)
	case *protocol.CreateEdge:
		_, err = r.store.CreateEdge(meta, p.SourceID, p.TargetID)
	case *protocol.DeleteEdge:
		err = r.store.DeleteEdge(meta, p.EdgeID)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupported, in.Type())
	}
	return err
}

// reject reports a failed intent to its sender only.
func (r *Room) reject(sub Subscriber, in protocol.Intent, err error) {
	code := CodeFor(err)
	r.hub.opts.Metrics.IntentRejected(string(code))
	r.log.WithFields(logrus.Fields{
		"user_id":   sub.ParticipantID(),
		"operation": string(in.Type()),
		"ref":       in.Ref,
		"code":      code,
	}).WithError(err).Debug("Intent rejected")
	r.deliver(sub, protocol.ErrorEvent(r.id, in.Ref, code, err.Error()))
}

func (r *Room) snapshot() domain.Snapshot {
	snap := r.store.Snapshot()
	snap.Participants = r.presence.Participants()
	return snap
}

// Emit implements store.Sink: every mutation goes to every subscriber,
// the initiator included.
func (r *Room) Emit(evt protocol.Event) {
	r.lastEvent = evt
	r.Broadcast(evt, "")
}

// Broadcast implements presence.Notifier. The event is encoded once.
func (r *Room) Broadcast(evt protocol.Event, except string) {
	data, err := protocol.EncodeEvent(evt)
	if err != nil {
		r.log.WithError(err).WithField("event", evt.Type()).Error("Failed to encode event")
		return
	}
	r.hub.opts.Metrics.EventSent(string(evt.Type()))

	var slow []Subscriber
	for pid, sub := range r.subs {
		if pid == except {
			continue
		}
		if !sub.Deliver(data) {
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		r.evict(sub)
	}
}

func (r *Room) deliver(sub Subscriber, evt protocol.Event) {
	data, err := protocol.EncodeEvent(evt)
	if err != nil {
		r.log.WithError(err).WithField("event", evt.Type()).Error("Failed to encode event")
		return
	}
	if !sub.Deliver(data) {
		r.evict(sub)
	}
}

// evict drops a subscriber that cannot keep up. An attached subscriber never
// misses an event; a dropped one resyncs from a snapshot when it reconnects.
func (r *Room) evict(sub Subscriber) {
	cur, ok := r.subs[sub.ParticipantID()]
	if !ok || cur.ConnID() != sub.ConnID() {
		sub.Close(protocol.CloseSlowConsumer)
		return
	}
	r.hub.opts.Metrics.SlowConsumer()
	r.log.WithFields(logrus.Fields{
		"user_id": sub.ParticipantID(),
		"conn_id": sub.ConnID(),
	}).Warn("Subscriber cannot keep up, disconnecting")
	sub.Close(protocol.CloseSlowConsumer)
	r.leave(sub.ParticipantID(), sub.ConnID())
}
