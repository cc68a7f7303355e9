package models

// StateEvent is pushed to gateway websocket clients when a component's state changes.
type StateEvent struct {
	Type    string `json:"type"`
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
}

// TypingEvent is the ephemeral broadcast payload for typing indicators.
type TypingEvent struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// Blob is a stored media object.
type Blob struct {
	Path        string `db:"path"`
	ContentType string `db:"content_type"`
	Data        []byte `db:"data"`
}

// Status is the lifecycle phase of a sync component.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)
