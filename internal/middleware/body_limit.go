package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// BodySlack covers multipart framing and form fields around an upload.
const BodySlack = 1 << 20

// MaxBody caps request bodies at limit bytes. A declared length over the cap
// is refused up front; an undeclared one fails once the handler reads past it.
func MaxBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}
