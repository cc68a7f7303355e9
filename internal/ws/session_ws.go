package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"chatsync/internal/apperrors"
	"chatsync/internal/middleware"
	"chatsync/internal/models"
	"chatsync/internal/observability"
	"chatsync/internal/session"
	"chatsync/internal/telemetry"
)

var tracer = otel.Tracer("chatsync/ws")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var topics = []string{session.TopicConversations, session.TopicPresence, session.TopicStories, session.TopicMessages}

// Command is a client request carried over the websocket.
type Command struct {
	Action         string   `json:"action"`
	ConversationID string   `json:"conversation_id,omitempty"`
	IsTyping       bool     `json:"is_typing,omitempty"`
	MessageIDs     []string `json:"message_ids,omitempty"`
}

// SessionWebSocketHandler streams a user's session state and accepts commands.
type SessionWebSocketHandler struct {
	hub      *Hub
	sessions *session.Registry
	audit    *telemetry.AuditEmitter
	log      zerolog.Logger
}

func NewSessionWebSocketHandler(hub *Hub, sessions *session.Registry, audit *telemetry.AuditEmitter, logger zerolog.Logger) *SessionWebSocketHandler {
	return &SessionWebSocketHandler{hub: hub, sessions: sessions, audit: audit, log: logger.With().Str("component", "ws").Logger()}
}

// Handle upgrades the connection, sends a snapshot of every topic, then
// serves commands until the client goes away.
func (h *SessionWebSocketHandler) Handle(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user"})
		return
	}

	ctx, span := tracer.Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := newConnInfo(c.Request, userID, span.SpanContext().TraceID().String(), time.Now())
	if id := c.GetString(middleware.RequestIDKey); id != "" {
		info.RequestID = id
	}

	sess := h.sessions.Acquire(context.WithoutCancel(ctx), userID)
	h.hub.Add(conn, info)
	observability.IncWSActive(wsKind)
	observability.IncWSEvent(wsKind, "ws_connect")
	h.log.Info().Str("conn_id", info.ConnID).Str("user_id", userID).Str("ip", info.IP).Msg("websocket connected")

	for _, topic := range topics {
		ev := models.StateEvent{Type: "state", Topic: topic, Payload: sess.Snapshot(topic)}
		if err := h.hub.Send(userID, conn, ev); err != nil {
			break
		}
	}

	go h.serve(conn, info, sess)
}

func (h *SessionWebSocketHandler) serve(conn *websocket.Conn, info ConnInfo, sess *session.Session) {
	var closeReason string
	defer func() {
		h.hub.Remove(info.UserID, conn)
		h.sessions.Release(info.UserID)
		observability.DecWSActive(wsKind)
		observability.IncWSEvent(wsKind, "ws_disconnect")
		h.log.Info().
			Str("conn_id", info.ConnID).
			Str("user_id", info.UserID).
			Int64("duration_ms", info.Age(time.Now()).Milliseconds()).
			Str("reason", closeReason).
			Msg("websocket disconnected")
		conn.Close()
	}()

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			closeReason = err.Error()
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.hub.publishWSError(info, err)
			}
			return
		}

		ctx := context.Background()
		if err := Apply(ctx, sess, cmd); err != nil {
			h.audit.Failure(ctx, info.RequestID, info.UserID, "ws", cmd.Action, err)
			_ = h.hub.Send(info.UserID, conn, models.StateEvent{
				Type:    "error",
				Topic:   cmd.Action,
				Payload: gin.H{"error": err.Error()},
			})
		}
	}
}

// Apply runs one client command against the session.
func Apply(ctx context.Context, sess *session.Session, cmd Command) error {
	switch cmd.Action {
	case "open":
		return sess.OpenConversation(ctx, cmd.ConversationID)
	case "close":
		sess.CloseConversation(ctx)
		return nil
	case "typing":
		conv := cmd.ConversationID
		if conv == "" {
			conv = sess.ActiveConversation()
		}
		return sess.Presence.SetTyping(ctx, conv, cmd.IsTyping)
	case "load_older":
		return sess.Messages.LoadOlder(ctx)
	case "mark_read":
		return sess.Messages.MarkAsRead(ctx, cmd.MessageIDs)
	case "refresh":
		if err := sess.Conversations.Refresh(ctx); err != nil {
			return err
		}
		return sess.Stories.Refresh(ctx)
	}
	return apperrors.Validation("unknown action %q", cmd.Action)
}
