package ws

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/observability"
)

// ConnInfo describes one websocket connection of a user.
type ConnInfo struct {
	observability.RequestMeta
	ConnID      string
	UserID      string
	TraceID     string
	ConnectedAt time.Time
}

func newConnInfo(r *http.Request, userID, traceID string, now time.Time) ConnInfo {
	return ConnInfo{
		RequestMeta: observability.MetaFromRequest(r),
		ConnID:      uuid.NewString(),
		UserID:      userID,
		TraceID:     traceID,
		ConnectedAt: now,
	}
}

// Age is how long the connection has been open at t.
func (i ConnInfo) Age(t time.Time) time.Duration {
	if i.ConnectedAt.IsZero() {
		return 0
	}
	return t.Sub(i.ConnectedAt)
}
