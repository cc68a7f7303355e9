package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatsync/internal/models"
	"chatsync/internal/observability"
	"chatsync/internal/telemetry"
)

const (
	wsKind = "session"
	// WriteWait bounds a single frame write. A peer that stops reading is
	// dropped once it elapses.
	WriteWait = 10 * time.Second
)

// Conn is the write side of a websocket connection.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type client struct {
	info    ConnInfo
	writeMu sync.Mutex
}

// Hub maintains the websocket connections of each user.
type Hub struct {
	rooms     map[string]map[Conn]*client
	writeWait time.Duration
	audit     *telemetry.AuditEmitter
	log       zerolog.Logger
	mu        sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub(audit *telemetry.AuditEmitter, logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:     make(map[string]map[Conn]*client),
		writeWait: WriteWait,
		audit:     audit,
		log:       logger.With().Str("component", "ws").Logger(),
	}
}

// Add registers a connection of info.UserID.
func (h *Hub) Add(conn Conn, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[info.UserID]; !ok {
		h.rooms[info.UserID] = make(map[Conn]*client)
	}
	h.rooms[info.UserID][conn] = &client{info: info}
}

// Remove drops a connection.
func (h *Hub) Remove(userID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[userID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.rooms, userID)
		}
	}
}

// Count returns the number of open connections of userID.
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

// Send writes ev to one connection.
func (h *Hub) Send(userID string, conn Conn, ev models.StateEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.mu.RLock()
	cl, ok := h.rooms[userID][conn]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection not registered")
	}
	return h.write(userID, conn, cl, payload)
}

// Broadcast sends ev to every connection of userID.
func (h *Hub) Broadcast(userID string, ev models.StateEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("topic", ev.Topic).Msg("encode state event")
		return
	}

	h.mu.RLock()
	targets := make(map[Conn]*client, len(h.rooms[userID]))
	for conn, cl := range h.rooms[userID] {
		targets[conn] = cl
	}
	h.mu.RUnlock()

	for conn, cl := range targets {
		_ = h.write(userID, conn, cl, payload)
	}
}

func (h *Hub) write(userID string, conn Conn, cl *client, payload []byte) error {
	cl.writeMu.Lock()
	err := conn.SetWriteDeadline(time.Now().Add(h.writeWait))
	if err == nil {
		err = conn.WriteMessage(websocket.TextMessage, payload)
	}
	cl.writeMu.Unlock()
	if err != nil {
		h.log.Warn().Err(err).Str("conn_id", cl.info.ConnID).Msg("websocket write error")
		conn.Close()
		h.Remove(userID, conn)
		h.publishWSError(cl.info, err)
	}
	return err
}

func (h *Hub) publishWSError(info ConnInfo, err error) {
	observability.IncWSEvent(wsKind, "ws_error")
	h.audit.Emit(context.Background(), info.RequestID, info.UserID, telemetry.AuditPayload{
		Level:     "warn",
		Component: "ws",
		Action:    "ws_error",
		Text: fmt.Sprintf("conn %s device %q ip %s after %dms: %s", info.ConnID, info.DeviceID, info.IP,
			info.Age(time.Now()).Milliseconds(), err),
	})
}
