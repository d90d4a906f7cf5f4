package hub

import (
	"errors"
	"sync"
	"time"

	"collaborative-mindmap/internal/metrics"
	"collaborative-mindmap/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const defaultSendBuffer = 256

// Client is the server end of one participant's websocket connection. It is
// bound to a single room for its whole life.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	roomID  string
	userID  string
	connID  string
	metrics *metrics.Collector

	// send is never closed; done signals the pumps to stop.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	log       *logrus.Entry
}

// NewClient wraps an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, roomID, userID string, sendBuffer int) *Client {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	connID := uuid.NewString()
	return &Client{
		hub:       hub,
		conn:      conn,
		roomID:    roomID,
		userID:    userID,
		connID:    connID,
		metrics:   hub.opts.Metrics,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
		log: logrus.WithFields(logrus.Fields{
			"room_id": roomID,
			"user_id": userID,
			"conn_id": connID,
		}),
	}
}

// Run starts the read and write pumps.
func (c *Client) Run() {
	go c.WritePump()
	go c.ReadPump()
}

func (c *Client) RoomID() string        { return c.roomID }
func (c *Client) ParticipantID() string { return c.userID }
func (c *Client) ConnID() string        { return c.connID }

// Deliver implements Subscriber.
func (c *Client) Deliver(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close implements Subscriber. Only the first call has an effect.
func (c *Client) Close(code int) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		close(c.done)
	})
}

// ReadPump decodes frames from the connection and hands them to the room.
func (c *Client) ReadPump() {
	defer func() {
		c.Close(websocket.CloseNormalClosure)
		if err := c.hub.Leave(c.roomID, c.userID, c.connID); err != nil && !errors.Is(err, ErrClosed) {
			c.log.WithError(err).Warn("Failed to queue leave for closed connection")
		}
		c.conn.Close()
		c.log.Info("ReadPump exited")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				c.log.Debug("WebSocket connection closed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.log.Debugf("Ignoring non-text message type: %d", messageType)
			continue
		}
		c.handleFrame(raw)
	}
}

func (c *Client) handleFrame(raw []byte) {
	in, err := protocol.DecodeIntent(raw)
	if err != nil {
		c.metrics.DecodeError()
		c.log.WithError(err).Warn("Dropping malformed frame")
		c.replyError(in.Ref, protocol.CodeBadRequest, err.Error())
		return
	}
	if in.RoomID != "" && in.RoomID != c.roomID {
		c.replyError(in.Ref, protocol.CodeBadRequest, "intent addressed to another room")
		return
	}
	in.RoomID = c.roomID

	if err := c.hub.Submit(c.roomID, c, in); err != nil {
		code := CodeFor(err)
		c.metrics.IntentRejected(string(code))
		c.log.WithError(err).WithField("operation", string(in.Type())).Warn("Failed to queue intent")
		c.replyError(in.Ref, code, err.Error())
	}
}

func (c *Client) replyError(ref string, code protocol.ErrorCode, msg string) {
	data, err := protocol.EncodeEvent(protocol.ErrorEvent(c.roomID, ref, code, msg))
	if err != nil {
		c.log.WithError(err).Error("Failed to encode error event")
		return
	}
	if !c.Deliver(data) {
		c.log.Warn("Send buffer full, error reply dropped")
	}
}

// WritePump writes queued events to the connection and keeps it alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("WritePump exited")
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.WithError(err).Warn("Failed to write message to websocket")
				c.Close(websocket.CloseAbnormalClosure)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.WithError(err).Warn("Failed to send ping message")
				c.Close(websocket.CloseAbnormalClosure)
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, ""))
			return
		}
	}
}
