package conversations

import "chatsync/internal/models"

// MaxUnread caps the unread count shown for a conversation.
const MaxUnread = 99

// CountUnread counts messages in fromOthers with no read mark in read, capped at MaxUnread.
func CountUnread(fromOthers []models.Message, read map[string]bool) int {
	n := 0
	for _, m := range fromOthers {
		if !read[m.ID] {
			n++
		}
	}
	if n > MaxUnread {
		return MaxUnread
	}
	return n
}

// batch is the result of one refresh cycle's bulk queries.
type batch struct {
	memberships []models.Member
	convs       []models.Conversation
	members     []models.Member
	latest      []models.Message
	fromOthers  []models.Message
	read        map[string]bool
}

// summarize groups the bulk query results by conversation. Input order of convs is kept.
func summarize(userID string, b batch) []models.ConversationSummary {
	mine := make(map[string]models.Member, len(b.memberships))
	for _, m := range b.memberships {
		mine[m.ConversationID] = m
	}
	members := map[string][]models.Member{}
	for _, m := range b.members {
		members[m.ConversationID] = append(members[m.ConversationID], m)
	}
	latest := make(map[string]models.Message, len(b.latest))
	for _, m := range b.latest {
		latest[m.ConversationID] = m
	}
	others := map[string][]models.Message{}
	for _, m := range b.fromOthers {
		others[m.ConversationID] = append(others[m.ConversationID], m)
	}

	out := make([]models.ConversationSummary, 0, len(b.convs))
	for _, c := range b.convs {
		s := models.ConversationSummary{
			Conversation: c,
			Members:      members[c.ID],
			UnreadCount:  CountUnread(others[c.ID], b.read),
			IsAdmin:      mine[c.ID].IsAdmin,
			MemberCount:  len(members[c.ID]),
		}
		if s.Members == nil {
			s.Members = []models.Member{}
		}
		if m, ok := latest[c.ID]; ok {
			m := m
			s.LastMessage = &m
		}
		if c.Type == models.ConversationDirect {
			for _, m := range s.Members {
				if m.UserID != userID {
					s.DMPartner = m.Profile
					break
				}
			}
		}
		out = append(out, s)
	}
	return out
}
