package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chatsync/internal/session"
	"chatsync/internal/telemetry"
)

// StoryHandler exposes the story feed.
type StoryHandler struct {
	base
}

func NewStoryHandler(sessions *session.Registry, audit *telemetry.AuditEmitter) *StoryHandler {
	return &StoryHandler{base{sessions: sessions, audit: audit}}
}

func (h *StoryHandler) ListStories(c *gin.Context) {
	c.JSON(http.StatusOK, h.session(c).Stories.State())
}

// CreateStory takes a "content" field and an optional "media" file.
func (h *StoryHandler) CreateStory(c *gin.Context) {
	content := c.PostForm("content")
	if content == "" {
		var req struct {
			Content string `json:"content"`
		}
		if c.ContentType() == gin.MIMEJSON {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err)
				return
			}
			content = req.Content
		}
	}
	media, err := formFile(c, "media")
	if err != nil {
		badRequest(c, err)
		return
	}

	story, err := h.session(c).Stories.CreateStory(c.Request.Context(), content, media)
	if err != nil {
		h.fail(c, "stories", "create", err)
		return
	}
	c.JSON(http.StatusCreated, story)
}

func (h *StoryHandler) ViewStory(c *gin.Context) {
	if err := h.session(c).Stories.ViewStory(c.Request.Context(), c.Param("story_id")); err != nil {
		h.fail(c, "stories", "view", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *StoryHandler) DeleteStory(c *gin.Context) {
	if err := h.session(c).Stories.DeleteStory(c.Request.Context(), c.Param("story_id")); err != nil {
		h.fail(c, "stories", "delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}
