package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"chatflow/internal/auth"
	"chatflow/internal/metrics"
	"chatflow/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Orchestrator consumes send_message events from authenticated connections.
type Orchestrator interface {
	HandleSend(client Client, userID int64, payload SendMessagePayload)
}

// Handler authenticates websocket handshakes and runs each connection's read
// loop. A connection whose credential fails verification never upgrades.
type Handler struct {
	auth         *auth.Service
	hub          *Hub
	orchestrator Orchestrator
	logger       *slog.Logger
	upgrader     websocket.Upgrader
}

// NewHandler wires the transport to the hub and orchestrator.
func NewHandler(authSvc *auth.Service, hub *Hub, orch Orchestrator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		auth:         authSvc,
		hub:          hub,
		orchestrator: orch,
		logger:       logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			// Image payloads ride the socket as base64.
			ReadBufferSize:  10 * 1024 * 1024,
			WriteBufferSize: 10 * 1024 * 1024,
		},
	}
}

// Serve is the GET /ws endpoint.
func (h *Handler) Serve(c *gin.Context) {
	token := h.auth.ExtractToken(c)
	userID, err := h.auth.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
		return
	}

	sock, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	conn := NewConn(sock, userID)
	metrics.ActiveConnections.Inc()
	h.logger.Info("socket connected", "connectionId", conn.ID(), "userId", userID)

	defer func() {
		h.hub.Remove(conn)
		sock.Close()
		metrics.ActiveConnections.Dec()
		h.logger.Info("socket disconnected", "connectionId", conn.ID())
	}()

	for {
		var env Envelope
		if err := sock.ReadJSON(&env); err != nil {
			return
		}
		switch env.Event {
		case EventJoinRoom:
			h.handleJoin(conn, env.Data)
		case EventSendMessage:
			var payload SendMessagePayload
			if err := json.Unmarshal(env.Data, &payload); err != nil {
				h.hub.Unicast(conn, EventChatError, ErrorPayload{Message: "invalid send_message payload"})
				continue
			}
			h.orchestrator.HandleSend(conn, conn.UserID(), payload)
		default:
			h.logger.Debug("unknown event ignored", "event", env.Event, "connectionId", conn.ID())
		}
	}
}

// handleJoin accepts the room either as a bare JSON string or as
// {"room": "..."} and enforces the caller's conversation scope before
// subscribing.
func (h *Handler) handleJoin(conn *Conn, data json.RawMessage) {
	var room string
	if err := json.Unmarshal(data, &room); err != nil {
		var payload struct {
			Room string `json:"room"`
		}
		if err := json.Unmarshal(data, &payload); err != nil || payload.Room == "" {
			h.hub.Unicast(conn, EventChatError, ErrorPayload{Message: "invalid join_room payload"})
			return
		}
		room = payload.Room
	}

	if room != models.ChatKeyForUser(conn.UserID()) {
		h.hub.Unicast(conn, EventChatError, ErrorPayload{Message: "access denied to this conversation"})
		return
	}

	h.hub.Join(conn, room)
	h.hub.Unicast(conn, EventRoomJoined, RoomJoinedPayload{Room: room, ConnectionID: conn.ID()})
}
