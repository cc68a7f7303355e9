package models

import "time"

// Profile is the externally owned user record the core reads for display and presence.
type Profile struct {
	ID          string     `db:"id" json:"id"`
	Username    string     `db:"username" json:"username"`
	DisplayName string     `db:"display_name" json:"display_name"`
	AvatarURL   *string    `db:"avatar_url" json:"avatar_url,omitempty"`
	IsOnline    bool       `db:"is_online" json:"is_online"`
	LastSeen    *time.Time `db:"last_seen" json:"last_seen,omitempty"`
}
