package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chatsync/internal/session"
	"chatsync/internal/telemetry"
)

// Connections reports open websocket connections per user.
type Connections interface {
	Count(userID string) int
}

// DebugHandler exposes process internals in development.
type DebugHandler struct {
	audit    *telemetry.AuditEmitter
	sessions *session.Registry
	conns    Connections
}

func NewDebugHandler(audit *telemetry.AuditEmitter, sessions *session.Registry, conns Connections) *DebugHandler {
	return &DebugHandler{audit: audit, sessions: sessions, conns: conns}
}

// Register mounts the debug routes on r when enabled.
func (h *DebugHandler) Register(r gin.IRouter, enabled bool) {
	if !enabled {
		return
	}
	r.POST("/debug/audit", h.EmitAudit)
	r.GET("/debug/sessions", h.Sessions)
}

// EmitAudit publishes a sample audit event for the caller.
func (h *DebugHandler) EmitAudit(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
		return
	}
	text := c.DefaultQuery("text", "audit sample")
	audited(c, h.audit, "debug", "audit_sample", text)
	c.JSON(http.StatusAccepted, gin.H{"request_id": requestID(c)})
}

type sessionView struct {
	session.Stat
	Connections int `json:"connections"`
}

func (h *DebugHandler) Sessions(c *gin.Context) {
	stats := h.sessions.Stats()
	out := make([]sessionView, 0, len(stats))
	for _, st := range stats {
		v := sessionView{Stat: st}
		if h.conns != nil {
			v.Connections = h.conns.Count(st.UserID)
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}
