package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chatsync/internal/repositories"
	"chatsync/internal/telemetry"
	"chatsync/internal/upload"
)

// MediaHandler serves stored blobs and accepts profile avatars.
type MediaHandler struct {
	blobs    repositories.BlobRepository
	pipeline *upload.Pipeline
	audit    *telemetry.AuditEmitter
}

func NewMediaHandler(blobs repositories.BlobRepository, pipeline *upload.Pipeline, audit *telemetry.AuditEmitter) *MediaHandler {
	return &MediaHandler{blobs: blobs, pipeline: pipeline, audit: audit}
}

// GetMedia serves /media/<bucket>/<path>. Query strings are ignored.
func (h *MediaHandler) GetMedia(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("path"), "/")
	if key == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	blob, err := h.blobs.GetBlob(c.Request.Context(), key)
	if errors.Is(err, repositories.ErrBlobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to load media"})
		return
	}
	c.Header("Cache-Control", "public, max-age=31536000")
	c.Data(http.StatusOK, blob.ContentType, blob.Data)
}

// UploadAvatar stores the caller's profile picture and returns its URL.
func (h *MediaHandler) UploadAvatar(c *gin.Context) {
	file, err := formFile(c, "avatar")
	if err != nil {
		badRequest(c, err)
		return
	}
	if file == nil {
		badRequest(c, errors.New("avatar file is required"))
		return
	}

	res, err := h.pipeline.UploadAvatar(c.Request.Context(), *file, userID(c))
	if err != nil {
		if statusFor(err) != http.StatusBadRequest {
			h.audit.Failure(c.Request.Context(), requestID(c), userID(c), "upload", "avatar", err)
		}
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}
