package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"chatsync/internal/models"
	"chatsync/internal/repositories"
)

var (
	_ repositories.ConversationRepository = (*ConversationRepositoryMock)(nil)
	_ repositories.MessageRepository      = (*MessageRepositoryMock)(nil)
	_ repositories.ReadRepository         = (*ReadRepositoryMock)(nil)
	_ repositories.ProfileRepository      = (*ProfileRepositoryMock)(nil)
	_ repositories.StoryRepository        = (*StoryRepositoryMock)(nil)
	_ repositories.BlobRepository         = (*BlobRepositoryMock)(nil)
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) ListMemberships(ctx context.Context, userID string) ([]models.Member, error) {
	args := m.Called(ctx, userID)
	var list []models.Member
	if val := args.Get(0); val != nil {
		list = val.([]models.Member)
	}
	return list, args.Error(1)
}

func (m *ConversationRepositoryMock) ListConversations(ctx context.Context, ids []string) ([]models.Conversation, error) {
	args := m.Called(ctx, ids)
	var list []models.Conversation
	if val := args.Get(0); val != nil {
		list = val.([]models.Conversation)
	}
	return list, args.Error(1)
}

func (m *ConversationRepositoryMock) ListMembers(ctx context.Context, conversationIDs []string) ([]models.Member, error) {
	args := m.Called(ctx, conversationIDs)
	var list []models.Member
	if val := args.Get(0); val != nil {
		list = val.([]models.Member)
	}
	return list, args.Error(1)
}

func (m *ConversationRepositoryMock) GetMember(ctx context.Context, conversationID string, userID string) (models.Member, error) {
	args := m.Called(ctx, conversationID, userID)
	var member models.Member
	if val := args.Get(0); val != nil {
		member = val.(models.Member)
	}
	return member, args.Error(1)
}

func (m *ConversationRepositoryMock) FindDirect(ctx context.Context, userID string, otherUserID string) (models.Conversation, error) {
	args := m.Called(ctx, userID, otherUserID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) CreateConversation(ctx context.Context, conv models.Conversation, members []models.Member) (models.Conversation, error) {
	args := m.Called(ctx, conv, members)
	var created models.Conversation
	if val := args.Get(0); val != nil {
		created = val.(models.Conversation)
	}
	return created, args.Error(1)
}

func (m *ConversationRepositoryMock) AddMembers(ctx context.Context, members []models.Member) error {
	args := m.Called(ctx, members)
	return args.Error(0)
}

func (m *ConversationRepositoryMock) UpdateConversation(ctx context.Context, id string, update models.ConversationUpdate) error {
	args := m.Called(ctx, id, update)
	return args.Error(0)
}

func (m *ConversationRepositoryMock) RemoveMember(ctx context.Context, conversationID string, userID string) error {
	args := m.Called(ctx, conversationID, userID)
	return args.Error(0)
}

func (m *ConversationRepositoryMock) DeleteConversation(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) ListPage(ctx context.Context, conversationID string, before *models.Cursor, limit int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, before, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, msg models.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MessageRepositoryMock) DeleteForEveryone(ctx context.Context, messageID string, userID string) error {
	args := m.Called(ctx, messageID, userID)
	return args.Error(0)
}

func (m *MessageRepositoryMock) ListLatest(ctx context.Context, conversationIDs []string) ([]models.Message, error) {
	args := m.Called(ctx, conversationIDs)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) ListFromOthers(ctx context.Context, conversationIDs []string, userID string) ([]models.Message, error) {
	args := m.Called(ctx, conversationIDs, userID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

type ReadRepositoryMock struct {
	mock.Mock
}

func (m *ReadRepositoryMock) MarkRead(ctx context.Context, userID string, messageIDs []string) error {
	args := m.Called(ctx, userID, messageIDs)
	return args.Error(0)
}

func (m *ReadRepositoryMock) ListRead(ctx context.Context, userID string, messageIDs []string) ([]string, error) {
	args := m.Called(ctx, userID, messageIDs)
	var ids []string
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	return ids, args.Error(1)
}

type ProfileRepositoryMock struct {
	mock.Mock
}

func (m *ProfileRepositoryMock) GetProfiles(ctx context.Context, ids []string) ([]models.Profile, error) {
	args := m.Called(ctx, ids)
	var profiles []models.Profile
	if val := args.Get(0); val != nil {
		profiles = val.([]models.Profile)
	}
	return profiles, args.Error(1)
}

func (m *ProfileRepositoryMock) ListOnlineIDs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	var ids []string
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	return ids, args.Error(1)
}

func (m *ProfileRepositoryMock) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	args := m.Called(ctx, userID, online, at)
	return args.Error(0)
}

type StoryRepositoryMock struct {
	mock.Mock
}

func (m *StoryRepositoryMock) ListActive(ctx context.Context, now time.Time) ([]models.Story, error) {
	args := m.Called(ctx, now)
	var stories []models.Story
	if val := args.Get(0); val != nil {
		stories = val.([]models.Story)
	}
	return stories, args.Error(1)
}

func (m *StoryRepositoryMock) CreateStory(ctx context.Context, story models.Story) (models.Story, error) {
	args := m.Called(ctx, story)
	var created models.Story
	if val := args.Get(0); val != nil {
		created = val.(models.Story)
	}
	return created, args.Error(1)
}

func (m *StoryRepositoryMock) UpsertView(ctx context.Context, storyID string, viewerID string) error {
	args := m.Called(ctx, storyID, viewerID)
	return args.Error(0)
}

func (m *StoryRepositoryMock) DeleteStory(ctx context.Context, storyID string, userID string) error {
	args := m.Called(ctx, storyID, userID)
	return args.Error(0)
}

type BlobRepositoryMock struct {
	mock.Mock
}

func (m *BlobRepositoryMock) PutBlob(ctx context.Context, blob models.Blob, upsert bool) error {
	args := m.Called(ctx, blob, upsert)
	return args.Error(0)
}

func (m *BlobRepositoryMock) GetBlob(ctx context.Context, path string) (models.Blob, error) {
	args := m.Called(ctx, path)
	var blob models.Blob
	if val := args.Get(0); val != nil {
		blob = val.(models.Blob)
	}
	return blob, args.Error(1)
}

func (m *BlobRepositoryMock) DeleteBlob(ctx context.Context, path string) error {
	args := m.Called(ctx, path)
	return args.Error(0)
}
