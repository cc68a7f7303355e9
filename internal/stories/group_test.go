package stories

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/models"
)

func TestGroupStories_Ordering(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	exp := now.Add(time.Hour)
	seen := []models.StoryView{{ViewerID: "me"}}
	list := []models.Story{
		{ID: "a1", UserID: "alice", CreatedAt: now.Add(-50 * time.Minute), ExpiresAt: exp, Views: seen},
		{ID: "m1", UserID: "me", CreatedAt: now.Add(-40 * time.Minute), ExpiresAt: exp},
		{ID: "b1", UserID: "bob", CreatedAt: now.Add(-30 * time.Minute), ExpiresAt: exp},
		{ID: "c1", UserID: "carol", CreatedAt: now.Add(-20 * time.Minute), ExpiresAt: exp},
		{ID: "d1", UserID: "dave", CreatedAt: now.Add(-10 * time.Minute), ExpiresAt: exp, Views: seen},
		{ID: "b2", UserID: "bob", CreatedAt: now.Add(-5 * time.Minute), ExpiresAt: exp, Views: seen},
	}

	groups := GroupStories(list, "me", now)

	require.Len(t, groups, 5)
	order := make([]string, 0, len(groups))
	for _, g := range groups {
		order = append(order, g.UserID)
	}
	assert.Equal(t, []string{"me", "bob", "carol", "dave", "alice"}, order)
	assert.True(t, groups[1].HasUnviewed)
	assert.Equal(t, now.Add(-5*time.Minute), groups[1].LatestAt)
	assert.Equal(t, "b1", groups[1].Stories[0].ID)
	assert.False(t, groups[3].HasUnviewed)
}

func TestGroupStories_DropsExpired(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	list := []models.Story{
		{ID: "old", UserID: "alice", CreatedAt: now.Add(-13 * time.Hour), ExpiresAt: now.Add(-time.Second)},
		{ID: "edge", UserID: "alice", CreatedAt: now.Add(-12 * time.Hour), ExpiresAt: now},
	}

	assert.Empty(t, GroupStories(list, "me", now))
}

func TestGroupStories_HasUnviewedIffAnyStoryLacksView(t *testing.T) {
	now := time.Now()
	exp := now.Add(time.Hour)
	list := []models.Story{
		{ID: "1", UserID: "alice", ExpiresAt: exp, Views: []models.StoryView{{ViewerID: "me"}}},
		{ID: "2", UserID: "alice", ExpiresAt: exp, Views: []models.StoryView{{ViewerID: "someone"}}},
	}
	groups := GroupStories(list, "me", now)
	require.Len(t, groups, 1)
	assert.True(t, groups[0].HasUnviewed)

	list[1].Views = append(list[1].Views, models.StoryView{ViewerID: "me"})
	assert.False(t, GroupStories(list, "me", now)[0].HasUnviewed)
}
