package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chatsync/internal/session"
	"chatsync/internal/telemetry"
)

type PresenceHandler struct {
	base
}

func NewPresenceHandler(sessions *session.Registry, audit *telemetry.AuditEmitter) *PresenceHandler {
	return &PresenceHandler{base{sessions: sessions, audit: audit}}
}

// GetPresence returns the online set and who is typing in the open conversation.
func (h *PresenceHandler) GetPresence(c *gin.Context) {
	c.JSON(http.StatusOK, h.session(c).Snapshot(session.TopicPresence))
}

func (h *PresenceHandler) SetTyping(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversation_id"`
		IsTyping       bool   `json:"is_typing"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sess := h.session(c)
	if req.ConversationID == "" {
		req.ConversationID = sess.ActiveConversation()
	}
	if err := sess.Presence.SetTyping(c.Request.Context(), req.ConversationID, req.IsTyping); err != nil {
		h.fail(c, "presence", "typing", err)
		return
	}
	c.Status(http.StatusNoContent)
}
