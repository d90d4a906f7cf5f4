// Package transport connects a replica to a room over a websocket and keeps
// it connected.
//
// A Session owns one replica.Engine and one goroutine. Inbound frames, local
// edits and reconnect timers are all handled on that goroutine, one at a
// time, so the engine never needs a lock.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"collaborative-mindmap/internal/domain"
	"collaborative-mindmap/internal/protocol"
	"collaborative-mindmap/internal/replica"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// State is the connection state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

var (
	// ErrClosed is returned by calls on a closed session.
	ErrClosed = errors.New("transport: session closed")
	// ErrJoinTimeout means the room snapshot did not arrive in time.
	ErrJoinTimeout = errors.New("transport: join timed out")
)

const (
	defaultJoinTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	// Longer than the server's ping period.
	defaultReadTimeout = 75 * time.Second
	defaultMaxFailures = 8
)

// Config configures a Session.
type Config struct {
	// URL is the websocket endpoint of the room, e.g. ws://host/ws/rooms/ideas.
	URL    string
	RoomID string
	Header http.Header
	Dialer *websocket.Dialer

	JoinTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	Backoff      *Backoff
	// MaxFailures consecutive failed connection attempts open the circuit:
	// the session stops retrying and stays Disconnected until Reconnect.
	MaxFailures uint32

	// RefGenerator overrides the replica's ref generator.
	RefGenerator func() string
}

func (c *Config) setDefaults() {
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = defaultJoinTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoff()
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = defaultMaxFailures
	}
}

type readResult struct {
	raw []byte
	err error
}

// conn is one websocket connection and its reader goroutine.
type conn struct {
	ws    *websocket.Conn
	in    chan readResult
	stop  chan struct{}
	timer *time.Timer
}

// Session keeps a replica of one room in sync with the server.
type Session struct {
	cfg        Config
	engine     *replica.Engine
	dispatcher *Dispatcher
	log        *logrus.Entry

	cmds      chan func()
	reconnect chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	state  atomic.Int32
	joined atomic.Bool
	view   atomic.Pointer[replica.View]

	// Owned by the session goroutine.
	breaker  *gobreaker.CircuitBreaker
	cn       *conn
	outbox   []protocol.Intent
	buffered []protocol.Event
}

// NewSession starts connecting to the room in the background.
func NewSession(cfg Config) *Session {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		dispatcher: NewDispatcher(),
		log:        logrus.WithFields(logrus.Fields{"room_id": cfg.RoomID, "component": "transport"}),
		cmds:       make(chan func()),
		reconnect:  make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	var opts []replica.Option
	if cfg.RefGenerator != nil {
		opts = append(opts, replica.WithRefGenerator(cfg.RefGenerator))
	}
	s.engine = replica.New(cfg.RoomID, s.send, opts...)
	s.breaker = s.newBreaker()
	s.refreshView()
	go s.run()
	return s
}

func (s *Session) newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "room-" + s.cfg.RoomID,
		// Never half-opens on its own; Reconnect replaces the breaker.
		Timeout: 365 * 24 * time.Hour,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Infof("Circuit breaker '%s' state changed from %v to %v", name, from, to)
		},
	})
}

// Events returns the dispatcher for this session's events.
func (s *Session) Events() *Dispatcher { return s.dispatcher }

// State returns the current connection state.
func (s *Session) State() State { return State(s.state.Load()) }

// Joined reports whether the room snapshot has been received on the current
// connection.
func (s *Session) Joined() bool { return s.joined.Load() }

// View returns the latest render projection of the replica.
func (s *Session) View() replica.View { return *s.view.Load() }

// Reconnect restarts connecting after the session gave up or was replaced.
// It also cuts a pending backoff delay short.
func (s *Session) Reconnect() {
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}

// Close sends leave_mindmap if joined, closes the connection and drops any
// queued intents. It waits for the session goroutine to exit.
func (s *Session) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

// Done is closed once the session has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// CreateNode adds a node optimistically.
func (s *Session) CreateNode(label string, pos domain.Position) (replica.PendingID, error) {
	var pid replica.PendingID
	err := s.call(func() { pid = s.engine.CreateNode(label, pos) })
	return pid, err
}

// UpdateNode changes a node's label and/or position optimistically.
func (s *Session) UpdateNode(ref replica.Ref, patch domain.NodePatch) error {
	var err error
	if cerr := s.call(func() { err = s.engine.UpdateNode(ref, patch) }); cerr != nil {
		return cerr
	}
	return err
}

// DeleteNode removes a node optimistically.
func (s *Session) DeleteNode(ref replica.Ref) error {
	var err error
	if cerr := s.call(func() { err = s.engine.DeleteNode(ref) }); cerr != nil {
		return cerr
	}
	return err
}

// CreateEdge links two nodes optimistically.
func (s *Session) CreateEdge(source, target replica.Ref) (replica.PendingID, error) {
	var (
		pid replica.PendingID
		err error
	)
	if cerr := s.call(func() { pid, err = s.engine.CreateEdge(source, target) }); cerr != nil {
		return "", cerr
	}
	return pid, err
}

// DeleteEdge removes an edge optimistically.
func (s *Session) DeleteEdge(ref replica.Ref) error {
	var err error
	if cerr := s.call(func() { err = s.engine.DeleteEdge(ref) }); cerr != nil {
		return cerr
	}
	return err
}

// call runs fn on the session goroutine and waits for it.
func (s *Session) call(fn func()) error {
	finished := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); s.refreshView(); close(finished) }:
	case <-s.done:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) refreshView() {
	v := s.engine.View()
	s.view.Store(&v)
}

func (s *Session) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Debug("Connection state changed")
	s.dispatcher.stateChanged(from, to)
}

func (s *Session) run() {
	defer close(s.done)
	defer s.setState(StateDisconnected)

	next := StateConnecting
	attempt := 0
	for {
		s.setState(next)
		res, err := s.breaker.Execute(func() (interface{}, error) {
			return s.connect()
		})
		if err == nil {
			attempt = 0
			cn := res.(*conn)
			err = s.pump(cn, false)
			s.detach(cn, err)
			s.engine.Disconnected()
			s.refreshView()
		}
		if s.ctx.Err() != nil {
			return
		}

		if !protocol.ShouldReconnect(closeCode(err)) || s.breaker.State() == gobreaker.StateOpen {
			s.log.WithError(err).Warn("Giving up on the connection until Reconnect is called")
			s.setState(StateDisconnected)
			if !s.waitForReconnect() {
				return
			}
			s.breaker = s.newBreaker()
			attempt = 0
			next = StateConnecting
			continue
		}

		delay := s.cfg.Backoff.Duration(attempt)
		attempt++
		s.log.WithError(err).WithField("delay", delay.String()).Info("Connection lost, reconnecting")
		s.setState(StateReconnecting)
		if !s.sleep(delay) {
			return
		}
		next = StateReconnecting
	}
}

// connect dials, sends join and waits for the snapshot.
func (s *Session) connect() (*conn, error) {
	ws, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	cn := s.attach(ws)
	s.setState(StateConnected)

	if err := s.write(cn, protocol.Intent{RoomID: s.cfg.RoomID, Payload: &protocol.Join{}}); err != nil {
		s.detach(cn, err)
		return nil, err
	}
	cn.timer = time.NewTimer(s.cfg.JoinTimeout)
	defer cn.timer.Stop()
	if err := s.pump(cn, true); err != nil {
		s.detach(cn, err)
		return nil, err
	}
	return cn, nil
}

type dialResult struct {
	ws  *websocket.Conn
	err error
}

// dial opens the websocket while still serving local edits, so a peer that
// never finishes the handshake cannot block them.
func (s *Session) dial() (*websocket.Conn, error) {
	result := make(chan dialResult, 1)
	go func() {
		ws, _, err := s.cfg.Dialer.DialContext(s.ctx, s.cfg.URL, s.cfg.Header)
		result <- dialResult{ws: ws, err: err}
	}()
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case r := <-result:
			return r.ws, r.err
		case <-s.ctx.Done():
			// The handshake may still complete; close what it returns.
			go func() {
				if r := <-result; r.ws != nil {
					r.ws.Close()
				}
			}()
			return nil, s.ctx.Err()
		}
	}
}

func (s *Session) attach(ws *websocket.Conn) *conn {
	cn := &conn{ws: ws, in: make(chan readResult), stop: make(chan struct{})}
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	go func() {
		for {
			_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			_, raw, err := ws.ReadMessage()
			select {
			case cn.in <- readResult{raw: raw, err: err}:
			case <-cn.stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	s.cn = cn
	s.joined.Store(false)
	s.buffered = nil
	return cn
}

// detach tears the connection down. On Close the server is told we left.
func (s *Session) detach(cn *conn, cause error) {
	if s.cn != cn {
		return
	}
	if s.ctx.Err() != nil && s.joined.Load() {
		_ = s.write(cn, protocol.Intent{RoomID: s.cfg.RoomID, Payload: &protocol.Leave{}})
	}
	_ = cn.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	close(cn.stop)
	cn.ws.Close()
	s.cn = nil
	s.joined.Store(false)
	s.buffered = nil
	if s.ctx.Err() != nil {
		s.outbox = nil
	}
	s.log.WithError(cause).Debug("Connection detached")
}

// pump services the connection, local edits and cancellation. With
// untilJoined it returns nil as soon as the snapshot has been applied;
// otherwise it returns only when the connection ends.
func (s *Session) pump(cn *conn, untilJoined bool) error {
	var joinTimeout <-chan time.Time
	if cn.timer != nil && untilJoined {
		joinTimeout = cn.timer.C
	}
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case r := <-cn.in:
			if r.err != nil {
				return r.err
			}
			if err := s.handleFrame(cn, r.raw); err != nil {
				return err
			}
			if untilJoined && s.joined.Load() {
				return nil
			}
		case <-joinTimeout:
			return ErrJoinTimeout
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
}

func (s *Session) handleFrame(cn *conn, raw []byte) error {
	evt, err := protocol.DecodeEvent(raw)
	if err != nil {
		s.log.WithError(err).Warn("Dropping malformed frame")
		return nil
	}
	if s.joined.Load() {
		return s.apply(evt)
	}
	if evt.Type() != protocol.EventSnapshot {
		s.buffered = append(s.buffered, evt)
		return nil
	}

	if err := s.apply(evt); err != nil {
		return err
	}
	s.joined.Store(true)
	buffered := s.buffered
	s.buffered = nil
	for _, b := range buffered {
		if err := s.apply(b); err != nil {
			return err
		}
	}
	queued := s.outbox
	s.outbox = nil
	for _, in := range queued {
		if err := s.write(cn, in); err != nil {
			return err
		}
	}
	s.log.WithField("flushed", len(queued)).Info("Joined room")
	return nil
}

func (s *Session) apply(evt protocol.Event) error {
	err := s.engine.Apply(evt)
	s.refreshView()
	s.dispatcher.dispatch(evt)
	if errors.Is(err, replica.ErrOutOfSync) {
		s.log.WithError(err).Warn("Replica out of sync, resyncing")
		return err
	}
	return nil
}

// send is the replica's outbox: intents go straight out once joined and are
// queued until then.
func (s *Session) send(in protocol.Intent) {
	if s.cn == nil || !s.joined.Load() {
		s.outbox = append(s.outbox, in)
		return
	}
	if err := s.write(s.cn, in); err != nil {
		s.log.WithError(err).Warn("Failed to send intent, closing connection")
		s.cn.ws.Close()
	}
}

func (s *Session) write(cn *conn, in protocol.Intent) error {
	raw, err := protocol.EncodeIntent(in)
	if err != nil {
		return err
	}
	_ = cn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return cn.ws.WriteMessage(websocket.TextMessage, raw)
}

// sleep waits d while still serving local edits. It returns false if the
// session was closed.
func (s *Session) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-timer.C:
			return true
		case <-s.reconnect:
			return true
		case <-s.ctx.Done():
			return false
		}
	}
}

func (s *Session) waitForReconnect() bool {
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.reconnect:
			return true
		case <-s.ctx.Done():
			return false
		}
	}
}

func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
