// Package httpapi exposes the messaging entry points other parts of the
// product call over HTTP: starting a conversation from a profile, the
// unread badge, and a plain request/response view of a conversation.
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"dmsim/apperr"
	"dmsim/messaging"
	"dmsim/models"
)

type Handler struct {
	svc *messaging.Service
	log zerolog.Logger
}

func NewHandler(svc *messaging.Service, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log.With().Str("component", "http").Logger()}
}

// NewRouter wires the HTTP routes.
func NewRouter(h *Handler, auth Authenticator) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(h.log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1", BasicAuth(auth, h.log))
	v1.POST("/conversations", h.StartConversation)
	v1.GET("/conversations/:id/messages", h.ListMessages)
	v1.POST("/conversations/:id/messages", h.SendMessage)
	v1.POST("/conversations/:id/read", h.MarkRead)
	v1.GET("/unread", h.Unread)

	return r
}

type messageJSON struct {
	ID             int64   `json:"id"`
	ConversationID string  `json:"conversation_id"`
	Sender         string  `json:"sender"`
	Body           string  `json:"body"`
	CreatedAt      string  `json:"created_at"`
	ReadAt         *string `json:"read_at"`
}

func toMessageJSON(m models.Message) messageJSON {
	out := messageJSON{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		Body:           m.Body,
		CreatedAt:      m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if m.ReadAt != nil {
		s := m.ReadAt.UTC().Format(time.RFC3339Nano)
		out.ReadAt = &s
	}
	return out
}

// StartConversation: POST /v1/conversations {"peer": "..."}
func (h *Handler) StartConversation(c *gin.Context) {
	var req struct {
		Peer string `json:"peer" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperr.InvalidArgument("peer is required"))
		return
	}

	conv, err := h.svc.StartConversation(c.Request.Context(), c.GetString(userKey), req.Peer)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": conv.ID, "peer": conv.Peer(c.GetString(userKey))})
}

// ListMessages: GET /v1/conversations/:id/messages[?after=&limit=]
func (h *Handler) ListMessages(c *gin.Context) {
	var afterID int64
	var limit int
	if raw := c.Query("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			h.fail(c, apperr.InvalidArgument("invalid after cursor"))
			return
		}
		afterID = v
	}
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			h.fail(c, apperr.InvalidArgument("invalid limit"))
			return
		}
		limit = v
	}

	messages, err := h.svc.History(c.Request.Context(), c.GetString(userKey), c.Param("id"), afterID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}

	out := make([]messageJSON, 0, len(messages))
	for _, m := range messages {
		out = append(out, toMessageJSON(m))
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

// SendMessage: POST /v1/conversations/:id/messages {"body": "..."}. The
// insert event goes to every connected session of the conversation.
func (h *Handler) SendMessage(c *gin.Context) {
	var req struct {
		Body string `json:"body"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperr.InvalidArgument("malformed request body"))
		return
	}

	msg, err := h.svc.Send(c.Request.Context(), c.GetString(userKey), "", c.Param("id"), req.Body)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toMessageJSON(msg))
}

// MarkRead: POST /v1/conversations/:id/read
func (h *Handler) MarkRead(c *gin.Context) {
	n, err := h.svc.MarkRead(c.Request.Context(), c.GetString(userKey), "", c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

// Unread: GET /v1/unread
func (h *Handler) Unread(c *gin.Context) {
	n, err := h.svc.UnreadCount(c.Request.Context(), c.GetString(userKey))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": n})
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		h.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Request failed")
		msg = "internal error"
	case http.StatusServiceUnavailable:
		h.log.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("Request failed")
		msg = "temporarily unavailable"
	}
	c.JSON(status, gin.H{"error": msg, "code": apperr.Code(err)})
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindNotAuthorized:
		return http.StatusForbidden
	case apperr.KindInvalidMessage, apperr.KindInvalidArgument:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindTransient, apperr.KindChannelUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
