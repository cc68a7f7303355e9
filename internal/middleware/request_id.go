package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chatsync/internal/observability"
)

// Context keys set by the middleware in this package.
const (
	UserIDKey    = "userID"
	RequestIDKey = "request_id"
)

// RequestID propagates the caller's request id, minting one when absent, and
// echoes it in the response headers.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := observability.MetaFromRequest(c.Request).RequestID
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header(observability.HeaderRequestID, id)
		c.Next()
	}
}
