package websocket

import (
	"net/http"
	"strings"

	"collaborative-mindmap/internal/hub"
	"collaborative-mindmap/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const maxRoomIDLength = 128

// WebSocketHandler upgrades requests on /ws/rooms/:roomId and attaches the
// connection to the room. The participant joins by sending join_mindmap.
type WebSocketHandler struct {
	upgrader   websocket.Upgrader
	hub        *hub.Hub
	sendBuffer int
}

// NewWebSocketHandler creates the handler. allowedOrigin "*" or "" accepts
// any origin.
func NewWebSocketHandler(h *hub.Hub, allowedOrigin string, sendBuffer int) *WebSocketHandler {
	if h == nil {
		panic("Hub cannot be nil for WebSocketHandler")
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(allowedOrigin),
	}

	return &WebSocketHandler{
		upgrader:   upgrader,
		hub:        h,
		sendBuffer: sendBuffer,
	}
}

func checkOrigin(allowed string) func(r *http.Request) bool {
	if allowed == "" || allowed == "*" {
		return func(*http.Request) bool { return true }
	}
	origins := strings.Split(allowed, ",")
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range origins {
			if strings.EqualFold(strings.TrimSpace(o), origin) {
				return true
			}
		}
		return false
	}
}

// HandleConnection expects the Auth middleware to have identified the user.
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		logrus.Warn("WS Handler: User ID not found in context")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	roomID := c.Param("roomId")
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "room_id": roomID})
	if roomID == "" || len(roomID) > maxRoomIDLength {
		logCtx.Warn("WS Handler: Invalid room ID")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid room ID"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logCtx.WithError(err).Error("WS Handler: Failed to upgrade connection")
		return
	}
	logCtx.Info("WS Handler: Connection upgraded to WebSocket")

	hub.NewClient(h.hub, conn, roomID, userID, h.sendBuffer).Run()
}
