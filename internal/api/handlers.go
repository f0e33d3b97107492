package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chatflow/internal/auth"
	"chatflow/internal/metrics"
	"chatflow/internal/models"
	"chatflow/internal/service/account"
	"chatflow/internal/service/history"
	"chatflow/internal/ws"
)

// Handler wires HTTP routes to the account and history services; the
// real-time AI reply is out of band on the websocket.
type Handler struct {
	accounts *account.Service
	history  *history.Service
	auth     *auth.Service
	socket   *ws.Handler
	started  time.Time
}

// NewHandler constructs a Handler instance.
func NewHandler(accounts *account.Service, historySvc *history.Service, authSvc *auth.Service, socket *ws.Handler) *Handler {
	return &Handler{
		accounts: accounts,
		history:  historySvc,
		auth:     authSvc,
		socket:   socket,
		started:  time.Now(),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	if h.socket != nil {
		router.GET("/ws", h.socket.Serve)
	}

	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	chats := api.Group("/chats")
	chats.Use(h.auth.Middleware())
	chats.GET("/:chatId/messages", h.getMessages)
	chats.POST("/:chatId/messages", h.sendMessage)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "OK",
		"uptime": time.Since(h.started).Seconds(),
	})
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.accounts.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"chatId":     user.ChatKey(),
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.accounts.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	token, err := h.auth.IssueToken(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       user.ID,
		"username": user.Username,
		"chatId":   user.ChatKey(),
		"token":    token,
	})
}

// requireChatOwner enforces that the path's conversation key belongs to the
// authenticated caller.
func (h *Handler) requireChatOwner(c *gin.Context) (string, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return "", false
	}
	chatID := c.Param("chatId")
	if chatID != models.ChatKeyForUser(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "chat access denied"})
		return "", false
	}
	return chatID, true
}

func (h *Handler) getMessages(c *gin.Context) {
	chatID, ok := h.requireChatOwner(c)
	if !ok {
		return
	}
	messages, err := h.history.ListByChat(c.Request.Context(), chatID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list messages failed"})
		return
	}
	wire := make([]models.WireMessage, 0, len(messages))
	for _, msg := range messages {
		wire = append(wire, msg.Wire())
	}
	c.JSON(http.StatusOK, wire)
}

type sendMessageRequest struct {
	Message   string `json:"message"`
	ImageData []byte `json:"imageData,omitempty"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	chatID, ok := h.requireChatOwner(c)
	if !ok {
		return
	}
	userID, _ := auth.UserIDFromContext(c)

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message cannot be empty"})
		return
	}

	msg, err := h.history.Append(c.Request.Context(), models.Message{
		ChatID:    chatID,
		Sender:    &userID,
		Body:      req.Message,
		IsAI:      false,
		ImageData: req.ImageData,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store message failed"})
		return
	}
	metrics.MessagesPersisted.WithLabelValues("user").Inc()
	c.JSON(http.StatusCreated, msg.Wire())
}
