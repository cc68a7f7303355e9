package models

import "time"

// ConversationType distinguishes one-to-one chats from groups.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Conversation is a direct or group chat.
type Conversation struct {
	ID          string           `db:"id" json:"id"`
	Type        ConversationType `db:"type" json:"type"`
	Name        *string          `db:"name" json:"name,omitempty"`
	Description *string          `db:"description" json:"description,omitempty"`
	AvatarURL   *string          `db:"avatar_url" json:"avatar_url,omitempty"`
	CreatedBy   string           `db:"created_by" json:"created_by"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time        `db:"updated_at" json:"updated_at"`
}

// ConversationUpdate carries a partial group update. Nil fields are left untouched.
type ConversationUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u ConversationUpdate) Empty() bool {
	return u.Name == nil && u.Description == nil && u.AvatarURL == nil
}

// Member is a (conversation, user) membership row.
type Member struct {
	ConversationID string   `db:"conversation_id" json:"conversation_id"`
	UserID         string   `db:"user_id" json:"user_id"`
	IsAdmin        bool     `db:"is_admin" json:"is_admin"`
	Profile        *Profile `db:"-" json:"profile,omitempty"`
}

// ConversationSummary is a conversation enriched for list rendering.
type ConversationSummary struct {
	Conversation
	Members     []Member `json:"members"`
	LastMessage *Message `json:"last_message,omitempty"`
	UnreadCount int      `json:"unread_count"`
	DMPartner   *Profile `json:"dm_partner,omitempty"`
	IsAdmin     bool     `json:"is_admin"`
	MemberCount int      `json:"member_count"`
}
