package conversations

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatsync/internal/apperrors"
	"chatsync/internal/mocks"
	"chatsync/internal/models"
	"chatsync/internal/repositories"
	"chatsync/internal/upload"
)

func seedStore() *mocks.Store {
	store := mocks.NewStore()
	for _, id := range []string{"alice", "bob", "carol"} {
		store.AddProfile(models.Profile{ID: id, Username: id, DisplayName: id})
	}
	return store
}

func newAggregator(store *mocks.Store, userID string) *Aggregator {
	pipeline := upload.NewPipeline(store, "http://media.test", 0, zerolog.Nop())
	return NewAggregator(userID, store, store, store, pipeline, store.Feed, time.Second, zerolog.Nop())
}

func sendAs(t *testing.T, store *mocks.Store, conversationID, userID, content string) models.Message {
	t.Helper()
	msg := models.Message{ID: uuid.NewString(), ConversationID: conversationID, UserID: userID, Type: models.MessageText, Content: content}
	require.NoError(t, store.CreateMessage(context.Background(), msg))
	stored, _ := store.Message(msg.ID)
	return stored
}

func TestRefresh_UnreadAccounting(t *testing.T) {
	store := seedStore()
	alice := newAggregator(store, "alice")
	dm, err := alice.CreateDM(context.Background(), "bob")
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, sendAs(t, store, dm.ID, "bob", fmt.Sprintf("hi %d", i)).ID)
	}
	sendAs(t, store, dm.ID, "alice", "mine")
	require.NoError(t, store.MarkRead(context.Background(), "alice", ids[:2]))

	require.NoError(t, alice.Refresh(context.Background()))

	st := alice.State()
	assert.Equal(t, models.StatusReady, st.Status)
	require.Len(t, st.Conversations, 1)
	s := st.Conversations[0]
	assert.Equal(t, 3, s.UnreadCount)
	require.NotNil(t, s.LastMessage)
	assert.Equal(t, "mine", s.LastMessage.Content)
	require.NotNil(t, s.DMPartner)
	assert.Equal(t, "bob", s.DMPartner.ID)
	assert.Equal(t, 2, s.MemberCount)
	assert.False(t, s.IsAdmin)

	require.NoError(t, store.MarkRead(context.Background(), "alice", ids[:2]))
	require.NoError(t, alice.Refresh(context.Background()))
	assert.Equal(t, 3, alice.State().Conversations[0].UnreadCount)
}

func TestRefresh_QueryCountIndependentOfConversationCount(t *testing.T) {
	store := seedStore()
	alice := newAggregator(store, "alice")
	for i := 0; i < 10; i++ {
		_, err := alice.CreateGroup(context.Background(), GroupInput{Name: fmt.Sprintf("group %d", i), MemberIDs: []string{"bob"}})
		require.NoError(t, err)
	}
	before := map[string]int{}
	ops := []string{"ListMemberships", "ListConversations", "ListMembers", "ListLatest", "ListFromOthers"}
	for _, op := range ops {
		before[op] = store.Calls(op)
	}

	require.NoError(t, alice.Refresh(context.Background()))

	assert.Len(t, alice.State().Conversations, 10)
	for _, op := range ops {
		assert.Equal(t, 1, store.Calls(op)-before[op], op)
	}
}

func TestRefresh_PartialEnrichmentFailureKeepsList(t *testing.T) {
	store := seedStore()
	alice := newAggregator(store, "alice")
	_, err := alice.CreateDM(context.Background(), "bob")
	require.NoError(t, err)
	store.Fail("ListLatest", errors.New("statement timeout"))

	err = alice.Refresh(context.Background())

	assert.ErrorIs(t, err, apperrors.ErrRemote)
	st := alice.State()
	assert.Equal(t, models.StatusReady, st.Status)
	assert.Len(t, st.Conversations, 1)
	assert.Contains(t, st.Error, "statement timeout")
}

func TestRefresh_MembershipFailureKeepsPreviousList(t *testing.T) {
	store := seedStore()
	alice := newAggregator(store, "alice")
	_, err := alice.CreateDM(context.Background(), "bob")
	require.NoError(t, err)
	store.Fail("ListMemberships", errors.New("connection refused"))

	err = alice.Refresh(context.Background())

	assert.ErrorIs(t, err, apperrors.ErrRemote)
	st := alice.State()
	assert.Equal(t, models.StatusError, st.Status)
	assert.Len(t, st.Conversations, 1)
	assert.Equal(t, "connection refused", st.Error)
}

func TestCreateDM_Idempotent(t *testing.T) {
	store := seedStore()
	alice := newAggregator(store, "alice")

	first, err := alice.CreateDM(context.Background(), "bob")
	require.NoError(t, err)
	second, err := alice.CreateDM(context.Background(), "bob")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, store.Calls("CreateConversation"))

	bob := newAggregator(store, "bob")
	fromBob, err := bob.CreateDM(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, fromBob.ID)
}

func TestCreateDM_Validation(t *testing.T) {
	alice := newAggregator(seedStore(), "alice")

	_, err := alice.CreateDM(context.Background(), "alice")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = alice.CreateDM(context.Background(), " ")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestCreateDM_LookupFailure(t *testing.T) {
	convs := &mocks.ConversationRepositoryMock{}
	convs.On("FindDirect", mock.Anything, "alice", "bob").Return(nil, errors.New("boom"))
	a := NewAggregator("alice", convs, nil, nil, nil, mocks.NewStore().Feed, time.Second, zerolog.Nop())

	_, err := a.CreateDM(context.Background(), "bob")

	assert.ErrorIs(t, err, apperrors.ErrRemote)
	convs.AssertNotCalled(t, "CreateConversation", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateGroup(t *testing.T) {
	store := seedStore()
	alice := newAggregator(store, "alice")

	conv, err := alice.CreateGroup(context.Background(), GroupInput{
		Name:        "  Weekend  ",
		Description: "plans",
		Avatar:      &upload.File{Name: "g.png", ContentType: "image/png", Data: []byte("png")},
		MemberIDs:   []string{"bob", "carol", "bob", "alice"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Weekend", *conv.Name)
	require.NotNil(t, conv.AvatarURL)
	_, ok := store.Blob("profile-images/groups/" + conv.ID + ".png")
	assert.True(t, ok)

	s, ok := alice.Summary(conv.ID)
	require.True(t, ok)
	assert.True(t, s.IsAdmin)
	assert.Equal(t, 3, s.MemberCount)
}

func TestCreateGroup_ValidationHappensBeforeAnyWrite(t *testing.T) {
	store := seedStore()
	alice := newAggregator(store, "alice")

	_, err := alice.CreateGroup(context.Background(), GroupInput{Name: "ab"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	many := make([]string, GroupMaxMembers)
	for i := range many {
		many[i] = fmt.Sprintf("user-%d", i)
	}
	_, err = alice.CreateGroup(context.Background(), GroupInput{Name: "crowd", MemberIDs: many})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = alice.CreateGroup(context.Background(), GroupInput{
		Name:   "valid",
		Avatar: &upload.File{Name: "g.bmp", ContentType: "image/bmp", Data: []byte("x")},
	})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	assert.Equal(t, 0, store.Calls("PutBlob"))
	assert.Equal(t, 0, store.Calls("CreateConversation"))
}

func TestCreateGroup_FailureRemovesAvatar(t *testing.T) {
	store := seedStore()
	store.Fail("CreateConversation", errors.New("insert failed"))
	alice := newAggregator(store, "alice")

	_, err := alice.CreateGroup(context.Background(), GroupInput{
		Name:   "valid",
		Avatar: &upload.File{Name: "g.png", ContentType: "image/png", Data: []byte("png")},
	})

	assert.ErrorIs(t, err, apperrors.ErrRemote)
	assert.Equal(t, 1, store.Calls("PutBlob"))
	assert.Equal(t, 1, store.Calls("DeleteBlob"))
	assert.Equal(t, "insert failed", alice.State().Error)
}

func TestUpdateGroup(t *testing.T) {
	store := seedStore()
	alice := newAggregator(store, "alice")
	conv, err := alice.CreateGroup(context.Background(), GroupInput{Name: "first", MemberIDs: []string{"bob"}})
	require.NoError(t, err)

	name := "second"
	require.NoError(t, alice.UpdateGroup(context.Background(), conv.ID, GroupUpdate{
		Name:   &name,
		Avatar: &upload.File{Name: "a.jpg", ContentType: "image/jpeg", Data: []byte("j")},
	}))
	require.NoError(t, alice.UpdateGroup(context.Background(), conv.ID, GroupUpdate{
		Avatar: &upload.File{Name: "a.jpg", ContentType: "image/jpeg", Data: []byte("j2")},
	}))

	s, _ := alice.Summary(conv.ID)
	assert.Equal(t, "second", *s.Name)
	blob, ok := store.Blob("profile-images/groups/" + conv.ID + ".jpg")
	require.True(t, ok)
	assert.Equal(t, []byte("j2"), blob.Data)

	assert.ErrorIs(t, alice.UpdateGroup(context.Background(), conv.ID, GroupUpdate{}), apperrors.ErrValidation)

	bob := newAggregator(store, "bob")
	require.NoError(t, bob.Refresh(context.Background()))
	assert.ErrorIs(t, bob.UpdateGroup(context.Background(), conv.ID, GroupUpdate{Name: &name}), apperrors.ErrPermissionDenied)
}

func TestMembershipMutations(t *testing.T) {
	store := seedStore()
	alice := newAggregator(store, "alice")
	conv, err := alice.CreateGroup(context.Background(), GroupInput{Name: "team", MemberIDs: []string{"bob"}})
	require.NoError(t, err)

	require.NoError(t, alice.AddMember(context.Background(), conv.ID, "carol"))
	s, _ := alice.Summary(conv.ID)
	assert.Equal(t, 3, s.MemberCount)

	bob := newAggregator(store, "bob")
	require.NoError(t, bob.Refresh(context.Background()))
	assert.ErrorIs(t, bob.RemoveMember(context.Background(), conv.ID, "carol"), apperrors.ErrPermissionDenied)
	assert.ErrorIs(t, bob.DeleteGroup(context.Background(), conv.ID), apperrors.ErrPermissionDenied)

	require.NoError(t, bob.LeaveGroup(context.Background(), conv.ID))
	assert.Empty(t, bob.State().Conversations)

	require.NoError(t, alice.RemoveMember(context.Background(), conv.ID, "carol"))
	s, _ = alice.Summary(conv.ID)
	assert.Equal(t, 1, s.MemberCount)
	assert.ErrorIs(t, alice.RemoveMember(context.Background(), conv.ID, "carol"), apperrors.ErrNotFound)

	require.NoError(t, alice.DeleteGroup(context.Background(), conv.ID))
	assert.Empty(t, alice.State().Conversations)
}

func TestDeleteGroup_RejectsDirectConversations(t *testing.T) {
	store := seedStore()
	alice := newAggregator(store, "alice")
	dm, err := alice.CreateDM(context.Background(), "bob")
	require.NoError(t, err)

	assert.ErrorIs(t, alice.DeleteGroup(context.Background(), dm.ID), apperrors.ErrValidation)
}

func TestStart_RefreshesOnNewMessages(t *testing.T) {
	store := seedStore()
	alice := newAggregator(store, "alice")
	dm, err := alice.CreateDM(context.Background(), "bob")
	require.NoError(t, err)
	require.NoError(t, alice.Start(context.Background()))
	defer alice.Stop()

	sendAs(t, store, dm.ID, "bob", "ping")

	require.Eventually(t, func() bool {
		s, ok := alice.Summary(dm.ID)
		return ok && s.UnreadCount == 1 && s.LastMessage != nil && s.LastMessage.Content == "ping"
	}, time.Second, 5*time.Millisecond)

	alice.Stop()
	assert.Equal(t, 0, store.Feed.Len())
}

func TestGroupMutations_RequireMembershipEvenWhenNotLoaded(t *testing.T) {
	store := seedStore()
	store.AddProfile(models.Profile{ID: "mallory", Username: "mallory", DisplayName: "mallory"})
	alice := newAggregator(store, "alice")
	conv, err := alice.CreateGroup(context.Background(), GroupInput{Name: "hikers", MemberIDs: []string{"bob"}})
	require.NoError(t, err)

	mallory := newAggregator(store, "mallory")
	name := "taken"
	assert.ErrorIs(t, mallory.UpdateGroup(context.Background(), conv.ID, GroupUpdate{Name: &name}), apperrors.ErrPermissionDenied)
	assert.ErrorIs(t, mallory.AddMember(context.Background(), conv.ID, "mallory"), apperrors.ErrPermissionDenied)
	assert.ErrorIs(t, mallory.RemoveMember(context.Background(), conv.ID, "bob"), apperrors.ErrPermissionDenied)
	assert.ErrorIs(t, mallory.DeleteGroup(context.Background(), conv.ID), apperrors.ErrPermissionDenied)
	assert.ErrorIs(t, mallory.AddMember(context.Background(), "no-such-group", "mallory"), apperrors.ErrNotFound)

	assert.Equal(t, 0, store.Calls("AddMembers"))
	assert.Equal(t, 0, store.Calls("UpdateConversation"))
	assert.Equal(t, 0, store.Calls("DeleteConversation"))
	_, err = store.GetMember(context.Background(), conv.ID, "mallory")
	assert.ErrorIs(t, err, repositories.ErrMemberNotFound)
}

func TestStart_IgnoresChangesOfOtherUsersConversations(t *testing.T) {
	store := seedStore()
	alice := newAggregator(store, "alice")
	dm, err := alice.CreateDM(context.Background(), "bob")
	require.NoError(t, err)
	bob := newAggregator(store, "bob")
	other, err := bob.CreateDM(context.Background(), "carol")
	require.NoError(t, err)

	require.NoError(t, alice.Start(context.Background()))
	defer alice.Stop()
	before := store.Calls("ListMemberships")

	sendAs(t, store, other.ID, "carol", "not for alice")
	sendAs(t, store, dm.ID, "bob", "for alice")

	require.Eventually(t, func() bool {
		s, ok := alice.Summary(dm.ID)
		return ok && s.LastMessage != nil && s.LastMessage.Content == "for alice"
	}, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return store.Calls("ListMemberships") > before+1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, before+1, store.Calls("ListMemberships"))
}
