package http

import (
	"net/http"

	"collaborative-mindmap/internal/domain"
	"collaborative-mindmap/internal/hub"
	"collaborative-mindmap/internal/middleware"
	"collaborative-mindmap/internal/protocol"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader, when present, becomes the ref of the resulting event.
const RequestIDHeader = "X-Request-ID"

// RoomHandler exposes a room's graph over REST. Mutations are queued on the
// room like websocket intents and broadcast to every participant.
type RoomHandler struct {
	hub *hub.Hub
}

func NewRoomHandler(h *hub.Hub) *RoomHandler {
	if h == nil {
		panic("Hub cannot be nil for RoomHandler")
	}
	return &RoomHandler{hub: h}
}

// Register mounts the handlers on g, which is expected to be /api/rooms.
func (h *RoomHandler) Register(g *gin.RouterGroup) {
	room := g.Group("/:roomId")
	room.GET("/snapshot", h.GetSnapshot)
	room.GET("/participants", h.GetParticipants)
	room.GET("/nodes", h.ListNodes)
	room.POST("/nodes", h.CreateNode)
	room.PATCH("/nodes/:nodeId", h.UpdateNode)
	room.DELETE("/nodes/:nodeId", h.DeleteNode)
	room.GET("/edges", h.ListEdges)
	room.POST("/edges", h.CreateEdge)
	room.DELETE("/edges/:edgeId", h.DeleteEdge)
}

type roomURI struct {
	RoomID string `uri:"roomId" binding:"required,max=128"`
}

type nodeURI struct {
	RoomID string `uri:"roomId" binding:"required,max=128"`
	NodeID string `uri:"nodeId" binding:"required,max=64"`
}

type edgeURI struct {
	RoomID string `uri:"roomId" binding:"required,max=128"`
	EdgeID string `uri:"edgeId" binding:"required,max=64"`
}

type CreateNodeRequest struct {
	Label    string          `json:"label" binding:"max=512"`
	Position domain.Position `json:"position"`
}

type UpdateNodeRequest struct {
	Label    *string          `json:"label" binding:"omitempty,max=512"`
	Position *domain.Position `json:"position"`
}

type CreateEdgeRequest struct {
	SourceID string `json:"sourceId" binding:"required,max=64"`
	TargetID string `json:"targetId" binding:"required,max=64"`
}

type ParticipantsResponse struct {
	RoomID       string   `json:"roomId"`
	Participants []string `json:"participants"`
}

func bindRoom(c *gin.Context) (string, bool) {
	var uri roomURI
	if err := c.ShouldBindUri(&uri); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid room ID")
		return "", false
	}
	return uri.RoomID, true
}

func requestRef(c *gin.Context) string {
	if ref := c.GetHeader(RequestIDHeader); ref != "" && len(ref) <= 128 {
		return ref
	}
	return uuid.NewString()
}

// apply submits payload to the room and logs the outcome.
func (h *RoomHandler) apply(c *gin.Context, roomID string, payload protocol.IntentPayload) (protocol.Event, bool) {
	userID := middleware.UserID(c)
	logCtx := logrus.WithFields(logrus.Fields{
		"room_id":   roomID,
		"user_id":   userID,
		"operation": string(payload.IntentType()),
	})
	evt, err := h.hub.Apply(c.Request.Context(), roomID, userID, protocol.Intent{
		RoomID:  roomID,
		Ref:     requestRef(c),
		Payload: payload,
	})
	if err != nil {
		logCtx.WithError(err).Warn("Handler: Intent rejected")
		HandleServiceError(c, err)
		return protocol.Event{}, false
	}
	logCtx.WithField("seq", evt.Seq).Debug("Handler: Intent applied")
	return evt, true
}

func (h *RoomHandler) GetSnapshot(c *gin.Context) {
	roomID, ok := bindRoom(c)
	if !ok {
		return
	}
	snap, err := h.hub.Snapshot(c.Request.Context(), roomID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, snap)
}

func (h *RoomHandler) GetParticipants(c *gin.Context) {
	roomID, ok := bindRoom(c)
	if !ok {
		return
	}
	ids, err := h.hub.Participants(c.Request.Context(), roomID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, ParticipantsResponse{RoomID: roomID, Participants: ids})
}

func (h *RoomHandler) ListNodes(c *gin.Context) {
	roomID, ok := bindRoom(c)
	if !ok {
		return
	}
	snap, err := h.hub.Snapshot(c.Request.Context(), roomID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, snap.Nodes)
}

func (h *RoomHandler) ListEdges(c *gin.Context) {
	roomID, ok := bindRoom(c)
	if !ok {
		return
	}
	snap, err := h.hub.Snapshot(c.Request.Context(), roomID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, snap.Edges)
}

func (h *RoomHandler) CreateNode(c *gin.Context) {
	roomID, ok := bindRoom(c)
	if !ok {
		return
	}
	var req CreateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: "+err.Error())
		return
	}
	evt, ok := h.apply(c, roomID, &protocol.CreateNode{Label: req.Label, Position: req.Position})
	if !ok {
		return
	}
	SuccessResponse(c, http.StatusCreated, evt.Payload.(*protocol.NodeCreated).Node)
}

func (h *RoomHandler) UpdateNode(c *gin.Context) {
	var uri nodeURI
	if err := c.ShouldBindUri(&uri); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid room or node ID")
		return
	}
	var req UpdateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: "+err.Error())
		return
	}
	evt, ok := h.apply(c, uri.RoomID, &protocol.UpdateNode{
		NodeID:   uri.NodeID,
		Label:    req.Label,
		Position: req.Position,
	})
	if !ok {
		return
	}
	SuccessResponse(c, http.StatusOK, evt.Payload)
}

func (h *RoomHandler) DeleteNode(c *gin.Context) {
	var uri nodeURI
	if err := c.ShouldBindUri(&uri); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid room or node ID")
		return
	}
	if _, ok := h.apply(c, uri.RoomID, &protocol.DeleteNode{NodeID: uri.NodeID}); !ok {
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) CreateEdge(c *gin.Context) {
	roomID, ok := bindRoom(c)
	if !ok {
		return
	}
	var req CreateEdgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: "+err.Error())
		return
	}
	evt, ok := h.apply(c, roomID, &protocol.CreateEdge{SourceID: req.SourceID, TargetID: req.TargetID})
	if !ok {
		return
	}
	SuccessResponse(c, http.StatusCreated, evt.Payload.(*protocol.EdgeCreated).Edge)
}

func (h *RoomHandler) DeleteEdge(c *gin.Context) {
	var uri edgeURI
	if err := c.ShouldBindUri(&uri); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid room or edge ID")
		return
	}
	if _, ok := h.apply(c, uri.RoomID, &protocol.DeleteEdge{EdgeID: uri.EdgeID}); !ok {
		return
	}
	c.Status(http.StatusNoContent)
}
