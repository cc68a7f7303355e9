package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"chatsync/internal/apperrors"
	"chatsync/internal/middleware"
	"chatsync/internal/session"
	"chatsync/internal/telemetry"
	"chatsync/internal/upload"
)

// maxFormFile bounds how much of a multipart file is read before validation.
const maxFormFile = 32 << 20

type base struct {
	sessions *session.Registry
	audit    *telemetry.AuditEmitter
}

func (b base) session(c *gin.Context) *session.Session {
	return b.sessions.Get(c.Request.Context(), userID(c))
}

func userID(c *gin.Context) string    { return c.GetString(middleware.UserIDKey) }
func requestID(c *gin.Context) string { return c.GetString(middleware.RequestIDKey) }

// audited records a successful state change made by the caller.
func audited(c *gin.Context, audit *telemetry.AuditEmitter, component, action, text string) {
	audit.Emit(c.Request.Context(), requestID(c), userID(c), telemetry.AuditPayload{
		Level:     "info",
		Component: component,
		Action:    action,
		Text:      text,
	})
}

func statusFor(err error) int {
	switch apperrors.Kind(err) {
	case apperrors.ErrValidation:
		return http.StatusBadRequest
	case apperrors.ErrPermissionDenied:
		return http.StatusForbidden
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrRemote:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// fail writes the error response. Failures other than bad input are audited.
func (b base) fail(c *gin.Context, component, action string, err error) {
	status := statusFor(err)
	if status != http.StatusBadRequest {
		b.audit.Failure(c.Request.Context(), requestID(c), userID(c), component, action, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// formFile reads an optional multipart file. A missing field yields nil.
func formFile(c *gin.Context, field string) (*upload.File, error) {
	fh, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Validation("read %s: %v", field, err)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, apperrors.Validation("open %s: %v", field, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxFormFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", field, err)
	}
	return &upload.File{Name: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Data: data}, nil
}
