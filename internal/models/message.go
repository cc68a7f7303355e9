package models

import "time"

// MessageType is the payload kind of a message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
)

// Message is a chat message. IsOptimistic is local-only and never persisted.
type Message struct {
	ID             string          `db:"id" json:"id"`
	ConversationID string          `db:"conversation_id" json:"conversation_id"`
	UserID         string          `db:"user_id" json:"user_id"`
	Type           MessageType     `db:"message_type" json:"message_type"`
	Content        string          `db:"content" json:"content"`
	MediaURL       *string         `db:"media_url" json:"media_url,omitempty"`
	ReplyToID      *string         `db:"reply_to" json:"reply_to,omitempty"`
	IsDeleted      bool            `db:"is_deleted" json:"is_deleted"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	Sender         *Profile        `db:"-" json:"sender,omitempty"`
	ReplyTo        *MessagePreview `db:"-" json:"reply_message,omitempty"`
	IsOptimistic   bool            `db:"-" json:"is_optimistic,omitempty"`
}

// Before reports whether m sorts before other: createdAt ascending, ties by id.
func (m Message) Before(other Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// MessagePreview is the reply target shown above a reply.
type MessagePreview struct {
	ID      string      `db:"id" json:"id"`
	UserID  string      `db:"user_id" json:"user_id"`
	Content string      `db:"content" json:"content"`
	Type    MessageType `db:"message_type" json:"message_type"`
}

// Cursor points at the oldest loaded message of a conversation.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

// ReadMark records that a user has seen a message.
type ReadMark struct {
	MessageID string    `db:"message_id" json:"message_id"`
	UserID    string    `db:"user_id" json:"user_id"`
	ReadAt    time.Time `db:"read_at" json:"read_at"`
}
