// Package hub routes participants and intents to per-room serialization loops.
//
// Each room owns an entity store and a presence set and runs them on its own
// goroutine over a buffered inbox, so intents for one room are applied one at
// a time in arrival order while different rooms proceed independently. The
// registry lock is held only to look rooms up or create them.
package hub

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"collaborative-mindmap/internal/domain"
	"collaborative-mindmap/internal/metrics"
	"collaborative-mindmap/internal/protocol"
	"collaborative-mindmap/internal/store"

	"github.com/sirupsen/logrus"
)

// Websocket timing shared by the server-side client.
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

const (
	defaultQueueSize      = 256
	defaultStorageTimeout = 5 * time.Second
)

// Subscriber is a connection attached to a room.
type Subscriber interface {
	ParticipantID() string
	ConnID() string
	// Deliver queues an encoded event without blocking. It returns false if
	// the subscriber cannot accept it.
	Deliver(msg []byte) bool
	// Close detaches the connection; code is the websocket close code.
	Close(code int)
}

// SnapshotStore is the persistence collaborator. Rooms are seeded from Load
// when they start and handed to Save when they close.
type SnapshotStore interface {
	Load(ctx context.Context, roomID string) (domain.Snapshot, bool, error)
	Save(ctx context.Context, snap domain.Snapshot) error
}

// Options configures a Hub.
type Options struct {
	// QueueSize bounds each room inbox.
	QueueSize int
	// Snapshots, if set, makes rooms durable: a room closes when its last
	// participant leaves and is reloaded on next use. Without it rooms stay
	// in memory for the life of the process.
	Snapshots      SnapshotStore
	StorageTimeout time.Duration
	Metrics        *metrics.Collector
	StoreOptions   []store.Option
}

// Hub is the registry of live rooms.
type Hub struct {
	opts Options

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates an empty registry.
func NewHub(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = defaultStorageTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		opts:   opts,
		rooms:  make(map[string]*Room),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (h *Hub) evictEmpty() bool { return h.opts.Snapshots != nil }

// room returns the live room for id, starting one if needed.
func (h *Hub) room(id string) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	r := h.rooms[id]
	if r != nil && !r.isClosed() {
		return r, nil
	}
	next := newRoom(h, id, r)
	h.rooms[id] = next
	h.wg.Add(1)
	h.opts.Metrics.RoomOpened()
	go next.run(h.ctx)
	logrus.WithField("room_id", id).Debug("Room started")
	return next, nil
}

// lookup returns the live room for id without starting one.
func (h *Hub) lookup(id string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[id]
	if r == nil || r.isClosed() {
		return nil
	}
	return r
}

func (h *Hub) release(r *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[r.id] == r {
		delete(h.rooms, r.id)
	}
}

// send enqueues msg on the room, starting it if needed. A room that closed
// between lookup and enqueue is replaced by a fresh one.
func (h *Hub) send(roomID string, msg message) error {
	for {
		r, err := h.room(roomID)
		if err != nil {
			return err
		}
		err = r.enqueue(msg)
		if errors.Is(err, errRoomClosed) {
			continue
		}
		return err
	}
}

func (h *Hub) request(ctx context.Context, roomID string, msg message) (reply, error) {
	msg.reply = make(chan reply, 1)
	if err := h.send(roomID, msg); err != nil {
		return reply{}, err
	}
	select {
	case rep := <-msg.reply:
		return rep, rep.err
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// Join attaches sub to the room. The subscriber receives the room snapshot
// and every later event of the room.
func (h *Hub) Join(roomID string, sub Subscriber) error {
	return h.send(roomID, message{kind: msgJoin, sub: sub})
}

// Leave detaches a participant. connID, when set, must match the connection
// the participant is attached with. Leaving a room that is not live is a no-op.
func (h *Hub) Leave(roomID, participantID, connID string) error {
	r := h.lookup(roomID)
	if r == nil {
		return nil
	}
	err := r.enqueue(message{kind: msgLeave, userID: participantID, connID: connID})
	if errors.Is(err, errRoomClosed) {
		return nil
	}
	return err
}

// Submit queues an intent received from sub. The outcome reaches sub as an
// event: the broadcast mutation on success, an error event otherwise.
func (h *Hub) Submit(roomID string, sub Subscriber, in protocol.Intent) error {
	return h.send(roomID, message{kind: msgIntent, sub: sub, intent: in})
}

// Apply runs a mutating intent on behalf of actor and waits for the result.
// The resulting event is broadcast to the room like any other.
func (h *Hub) Apply(ctx context.Context, roomID, actor string, in protocol.Intent) (protocol.Event, error) {
	if !in.Mutating() {
		return protocol.Event{}, ErrUnsupported
	}
	if err := protocol.Validate(in.Payload); err != nil {
		return protocol.Event{}, err
	}
	rep, err := h.request(ctx, roomID, message{kind: msgApply, userID: actor, intent: in})
	return rep.event, err
}

// Snapshot returns the current state of a room, loading it if needed.
func (h *Hub) Snapshot(ctx context.Context, roomID string) (domain.Snapshot, error) {
	rep, err := h.request(ctx, roomID, message{kind: msgSnapshot})
	return rep.snapshot, err
}

// LiveSnapshot is Snapshot for rooms that are already running. It reports
// false for rooms that are not.
func (h *Hub) LiveSnapshot(ctx context.Context, roomID string) (domain.Snapshot, bool, error) {
	rep, live, err := h.requestLive(ctx, roomID, message{kind: msgSnapshot})
	if err != nil || !live {
		return domain.Snapshot{}, false, err
	}
	return rep.snapshot, true, nil
}

// Participants lists who is present in a room. Rooms that are not live have
// nobody present.
func (h *Hub) Participants(ctx context.Context, roomID string) ([]string, error) {
	rep, live, err := h.requestLive(ctx, roomID, message{kind: msgParticipants})
	if err != nil {
		return nil, err
	}
	if !live {
		return []string{}, nil
	}
	return rep.participants, nil
}

// requestLive is request without starting the room. live is false if the
// room is not running or closes before it can take msg.
func (h *Hub) requestLive(ctx context.Context, roomID string, msg message) (reply, bool, error) {
	r := h.lookup(roomID)
	if r == nil {
		return reply{}, false, nil
	}
	msg.reply = make(chan reply, 1)
	if err := r.enqueue(msg); err != nil {
		if errors.Is(err, errRoomClosed) {
			return reply{}, false, nil
		}
		return reply{}, false, err
	}
	select {
	case rep := <-msg.reply:
		return rep, rep.err == nil, rep.err
	case <-ctx.Done():
		return reply{}, false, ctx.Err()
	}
}

// ActiveRoomIDs lists the rooms with a running loop, sorted.
func (h *Hub) ActiveRoomIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.rooms))
	for id, r := range h.rooms {
		if !r.isClosed() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Shutdown stops every room, disconnecting its subscribers and saving its
// snapshot, and waits for them to finish or for ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	logrus.Info("Hub shutting down...")
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logrus.Info("Hub stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
