package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chatsync/internal/conversations"
	"chatsync/internal/session"
	"chatsync/internal/telemetry"
)

// ConversationHandler exposes the conversation list and group management.
type ConversationHandler struct {
	base
}

func NewConversationHandler(sessions *session.Registry, audit *telemetry.AuditEmitter) *ConversationHandler {
	return &ConversationHandler{base{sessions: sessions, audit: audit}}
}

// ListConversations returns the enriched conversation list.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	c.JSON(http.StatusOK, h.session(c).Conversations.State())
}

// Refresh refetches the conversation list.
func (h *ConversationHandler) Refresh(c *gin.Context) {
	sess := h.session(c)
	if err := sess.Conversations.Refresh(c.Request.Context()); err != nil {
		h.fail(c, "conversations", "refresh", err)
		return
	}
	c.JSON(http.StatusOK, sess.Conversations.State())
}

// StartDM creates or returns the direct conversation with another user.
func (h *ConversationHandler) StartDM(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	conv, err := h.session(c).Conversations.CreateDM(c.Request.Context(), req.UserID)
	if err != nil {
		h.fail(c, "conversations", "create_dm", err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

type groupRequest struct {
	Name        string   `form:"name" json:"name"`
	Description string   `form:"description" json:"description"`
	MemberIDs   []string `form:"member_ids" json:"member_ids"`
}

// CreateGroup accepts JSON, or a multipart form carrying an avatar file.
func (h *ConversationHandler) CreateGroup(c *gin.Context) {
	var req groupRequest
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, err)
		return
	}
	avatar, err := formFile(c, "avatar")
	if err != nil {
		badRequest(c, err)
		return
	}

	conv, err := h.session(c).Conversations.CreateGroup(c.Request.Context(), conversations.GroupInput{
		Name:        req.Name,
		Description: req.Description,
		Avatar:      avatar,
		MemberIDs:   req.MemberIDs,
	})
	if err != nil {
		h.fail(c, "conversations", "create_group", err)
		return
	}
	audited(c, h.audit, "conversations", "create_group", "group created: "+conv.ID)
	c.JSON(http.StatusCreated, conv)
}

// UpdateGroup applies a partial update. Only fields present in the request change.
func (h *ConversationHandler) UpdateGroup(c *gin.Context) {
	var req struct {
		Name        *string `form:"name" json:"name"`
		Description *string `form:"description" json:"description"`
	}
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, err)
		return
	}
	avatar, err := formFile(c, "avatar")
	if err != nil {
		badRequest(c, err)
		return
	}

	err = h.session(c).Conversations.UpdateGroup(c.Request.Context(), c.Param("conversation_id"), conversations.GroupUpdate{
		Name:        req.Name,
		Description: req.Description,
		Avatar:      avatar,
	})
	if err != nil {
		h.fail(c, "conversations", "update_group", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ConversationHandler) AddMember(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.session(c).Conversations.AddMember(c.Request.Context(), c.Param("conversation_id"), req.UserID); err != nil {
		h.fail(c, "conversations", "add_member", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ConversationHandler) RemoveMember(c *gin.Context) {
	err := h.session(c).Conversations.RemoveMember(c.Request.Context(), c.Param("conversation_id"), c.Param("user_id"))
	if err != nil {
		h.fail(c, "conversations", "remove_member", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ConversationHandler) LeaveGroup(c *gin.Context) {
	if err := h.session(c).Conversations.LeaveGroup(c.Request.Context(), c.Param("conversation_id")); err != nil {
		h.fail(c, "conversations", "leave_group", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ConversationHandler) DeleteGroup(c *gin.Context) {
	id := c.Param("conversation_id")
	if err := h.session(c).Conversations.DeleteGroup(c.Request.Context(), id); err != nil {
		h.fail(c, "conversations", "delete_group", err)
		return
	}
	audited(c, h.audit, "conversations", "delete_group", "group deleted: "+id)
	c.Status(http.StatusNoContent)
}
