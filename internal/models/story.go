package models

import "time"

// Story is a time-boxed post, visible while now < ExpiresAt.
type Story struct {
	ID        string      `db:"id" json:"id"`
	UserID    string      `db:"user_id" json:"user_id"`
	Content   *string     `db:"content" json:"content,omitempty"`
	MediaURL  *string     `db:"media_url" json:"media_url,omitempty"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	ExpiresAt time.Time   `db:"expires_at" json:"expires_at"`
	Author    *Profile    `db:"-" json:"author,omitempty"`
	Views     []StoryView `db:"-" json:"story_views"`
}

// Visible reports whether the story has not yet expired at now.
func (s Story) Visible(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// ViewedBy reports whether viewerID has a view recorded on the story.
func (s Story) ViewedBy(viewerID string) bool {
	for _, v := range s.Views {
		if v.ViewerID == viewerID {
			return true
		}
	}
	return false
}

// StoryView records that a viewer opened a story.
type StoryView struct {
	StoryID  string    `db:"story_id" json:"story_id"`
	ViewerID string    `db:"viewer_id" json:"viewer_id"`
	ViewedAt time.Time `db:"viewed_at" json:"viewed_at"`
}

// StoryGroup is all visible stories of one author.
type StoryGroup struct {
	UserID      string    `json:"user_id"`
	Author      *Profile  `json:"user,omitempty"`
	Stories     []Story   `json:"stories"`
	HasUnviewed bool      `json:"has_unviewed"`
	LatestAt    time.Time `json:"latest_at"`
}
