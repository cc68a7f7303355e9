package conversations

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/models"
)

func TestCountUnread(t *testing.T) {
	msgs := make([]models.Message, 0, 5)
	for i := 0; i < 5; i++ {
		msgs = append(msgs, models.Message{ID: fmt.Sprintf("m%d", i), UserID: "peer"})
	}
	read := map[string]bool{"m1": true, "m3": true}

	assert.Equal(t, 3, CountUnread(msgs, read))
	assert.Equal(t, 3, CountUnread(msgs, read), "counting is pure")
	assert.Equal(t, 0, CountUnread(nil, read))
}

func TestCountUnread_Capped(t *testing.T) {
	msgs := make([]models.Message, 150)
	for i := range msgs {
		msgs[i].ID = fmt.Sprintf("m%d", i)
	}
	assert.Equal(t, MaxUnread, CountUnread(msgs, nil))
}

func TestSummarize(t *testing.T) {
	bob := &models.Profile{ID: "bob", DisplayName: "Bob"}
	b := batch{
		memberships: []models.Member{
			{ConversationID: "dm", UserID: "me"},
			{ConversationID: "g", UserID: "me", IsAdmin: true},
		},
		convs: []models.Conversation{
			{ID: "g", Type: models.ConversationGroup},
			{ID: "dm", Type: models.ConversationDirect},
		},
		members: []models.Member{
			{ConversationID: "dm", UserID: "me", Profile: &models.Profile{ID: "me"}},
			{ConversationID: "dm", UserID: "bob", Profile: bob},
			{ConversationID: "g", UserID: "me"},
			{ConversationID: "g", UserID: "bob"},
			{ConversationID: "g", UserID: "carol"},
		},
		latest:     []models.Message{{ID: "x", ConversationID: "dm", Content: "latest"}},
		fromOthers: []models.Message{{ID: "x", ConversationID: "dm"}, {ID: "y", ConversationID: "dm"}},
		read:       map[string]bool{"y": true},
	}

	out := summarize("me", b)

	require.Len(t, out, 2)
	g, dm := out[0], out[1]
	assert.Equal(t, "g", g.ID)
	assert.True(t, g.IsAdmin)
	assert.Equal(t, 3, g.MemberCount)
	assert.Nil(t, g.DMPartner)
	assert.Nil(t, g.LastMessage)
	assert.Equal(t, 0, g.UnreadCount)

	assert.Equal(t, "dm", dm.ID)
	assert.False(t, dm.IsAdmin)
	assert.Same(t, bob, dm.DMPartner)
	require.NotNil(t, dm.LastMessage)
	assert.Equal(t, "latest", dm.LastMessage.Content)
	assert.Equal(t, 1, dm.UnreadCount)
}
