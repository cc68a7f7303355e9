package stories

import (
	"sort"
	"time"

	"chatsync/internal/models"
)

// GroupStories buckets visible stories by author. The viewer's own group
// comes first, then groups with unviewed stories, then the most recently
// active. Stories are kept in creation order inside a group.
func GroupStories(list []models.Story, viewerID string, now time.Time) []models.StoryGroup {
	index := map[string]int{}
	groups := []models.StoryGroup{}
	for _, s := range list {
		if !s.Visible(now) {
			continue
		}
		i, ok := index[s.UserID]
		if !ok {
			i = len(groups)
			index[s.UserID] = i
			groups = append(groups, models.StoryGroup{UserID: s.UserID, Author: s.Author})
		}
		g := &groups[i]
		g.Stories = append(g.Stories, s)
		if !s.ViewedBy(viewerID) {
			g.HasUnviewed = true
		}
		if s.CreatedAt.After(g.LatestAt) {
			g.LatestAt = s.CreatedAt
		}
		if g.Author == nil {
			g.Author = s.Author
		}
	}

	for i := range groups {
		sort.SliceStable(groups[i].Stories, func(a, b int) bool {
			return groups[i].Stories[a].CreatedAt.Before(groups[i].Stories[b].CreatedAt)
		})
	}

	sort.SliceStable(groups, func(a, b int) bool {
		ga, gb := groups[a], groups[b]
		if (ga.UserID == viewerID) != (gb.UserID == viewerID) {
			return ga.UserID == viewerID
		}
		if ga.HasUnviewed != gb.HasUnviewed {
			return ga.HasUnviewed
		}
		return ga.LatestAt.After(gb.LatestAt)
	})
	return groups
}
