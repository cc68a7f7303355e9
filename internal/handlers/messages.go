package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chatsync/internal/messages"
	"chatsync/internal/session"
	"chatsync/internal/telemetry"
)

// MessageHandler exposes the message list of the open conversation.
type MessageHandler struct {
	base
}

func NewMessageHandler(sessions *session.Registry, audit *telemetry.AuditEmitter) *MessageHandler {
	return &MessageHandler{base{sessions: sessions, audit: audit}}
}

// OpenConversation makes the conversation active and returns its first page.
func (h *MessageHandler) OpenConversation(c *gin.Context) {
	sess := h.session(c)
	if err := sess.OpenConversation(c.Request.Context(), c.Param("conversation_id")); err != nil {
		h.fail(c, "messages", "open", err)
		return
	}
	c.JSON(http.StatusOK, sess.Messages.State())
}

func (h *MessageHandler) CloseConversation(c *gin.Context) {
	h.session(c).CloseConversation(c.Request.Context())
	c.Status(http.StatusNoContent)
}

func (h *MessageHandler) GetMessages(c *gin.Context) {
	c.JSON(http.StatusOK, h.session(c).Messages.State())
}

// LoadOlder fetches the previous page.
func (h *MessageHandler) LoadOlder(c *gin.Context) {
	sess := h.session(c)
	if err := sess.Messages.LoadOlder(c.Request.Context()); err != nil {
		h.fail(c, "messages", "load_older", err)
		return
	}
	c.JSON(http.StatusOK, sess.Messages.State())
}

// PostMessage sends a message to the open conversation.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	var req messages.SendInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	msg, err := h.session(c).Messages.Send(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "messages", "send", err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// PostImage uploads the "image" form file and sends it.
func (h *MessageHandler) PostImage(c *gin.Context) {
	file, err := formFile(c, "image")
	if err != nil {
		badRequest(c, err)
		return
	}
	if file == nil {
		badRequest(c, errors.New("image file is required"))
		return
	}
	var replyTo *string
	if v := c.PostForm("reply_to"); v != "" {
		replyTo = &v
	}

	msg, err := h.session(c).Messages.SendImage(c.Request.Context(), *file, replyTo)
	if err != nil {
		h.fail(c, "messages", "send_image", err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// DeleteMessage deletes for everyone when for_everyone=true, otherwise hides it for this session.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	forEveryone, _ := strconv.ParseBool(c.Query("for_everyone"))
	id := c.Param("message_id")
	if err := h.session(c).Messages.DeleteMessage(c.Request.Context(), id, forEveryone); err != nil {
		h.fail(c, "messages", "delete", err)
		return
	}
	if forEveryone {
		audited(c, h.audit, "messages", "delete_for_everyone", "message deleted for everyone: "+id)
	}
	c.Status(http.StatusNoContent)
}

func (h *MessageHandler) MarkRead(c *gin.Context) {
	var req struct {
		MessageIDs []string `json:"message_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.session(c).Messages.MarkAsRead(c.Request.Context(), req.MessageIDs); err != nil {
		h.fail(c, "messages", "mark_read", err)
		return
	}
	c.Status(http.StatusNoContent)
}
