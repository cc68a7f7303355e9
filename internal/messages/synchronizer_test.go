package messages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatsync/internal/apperrors"
	"chatsync/internal/conversations"
	"chatsync/internal/mocks"
	"chatsync/internal/models"
	"chatsync/internal/realtime"
	"chatsync/internal/upload"
)

const waitFor = 2 * time.Second

func seedStore() *mocks.Store {
	store := mocks.NewStore()
	for _, id := range []string{"alice", "bob"} {
		store.AddProfile(models.Profile{ID: id, Username: id, DisplayName: id})
	}
	return store
}

func newSync(store *mocks.Store, userID string, pageSize int) *Synchronizer {
	pipeline := upload.NewPipeline(store, "http://media.test", 0, zerolog.Nop())
	return NewSynchronizer(userID, store, store, store, pipeline, store.Feed,
		Config{PageSize: pageSize, FetchTimeout: time.Second}, zerolog.Nop())
}

func openDM(t *testing.T, store *mocks.Store) string {
	t.Helper()
	conv, err := store.CreateConversation(context.Background(),
		models.Conversation{Type: models.ConversationDirect, CreatedBy: "alice"},
		[]models.Member{{UserID: "alice"}, {UserID: "bob"}})
	require.NoError(t, err)
	return conv.ID
}

func seed(store *mocks.Store, conversationID, userID string, n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := uuid.NewString()
		store.SeedMessage(models.Message{ID: id, ConversationID: conversationID, UserID: userID, Content: fmt.Sprintf("m%d", i)})
		ids = append(ids, id)
	}
	return ids
}

func assertOrdered(t *testing.T, list []models.Message) {
	t.Helper()
	seen := map[string]bool{}
	for i, m := range list {
		assert.False(t, seen[m.ID], "duplicate %s", m.ID)
		seen[m.ID] = true
		if i > 0 && !list[i].IsOptimistic {
			assert.True(t, list[i-1].Before(m), "out of order at %d", i)
		}
	}
}

func TestOpen_LoadsNewestPageChronologically(t *testing.T) {
	store := seedStore()
	conv := openDM(t, store)
	ids := seed(store, conv, "bob", 3)

	s := newSync(store, "alice", 50)
	require.NoError(t, s.Open(context.Background(), conv))

	st := s.State()
	assert.Equal(t, models.StatusReady, st.Status)
	assert.Equal(t, conv, st.ConversationID)
	assert.False(t, st.HasMore)
	require.Len(t, st.Messages, 3)
	for i, m := range st.Messages {
		assert.Equal(t, ids[i], m.ID)
		require.NotNil(t, m.Sender)
		assert.Equal(t, "bob", m.Sender.ID)
	}
}

func TestLoadOlder_PaginatesThenAppendsLiveInsert(t *testing.T) {
	store := seedStore()
	conv := openDM(t, store)
	ids := seed(store, conv, "bob", 80)

	s := newSync(store, "alice", 50)
	require.NoError(t, s.Open(context.Background(), conv))
	st := s.State()
	require.Len(t, st.Messages, 50)
	assert.True(t, st.HasMore)
	assert.Equal(t, ids[30], st.Messages[0].ID)

	require.NoError(t, s.LoadOlder(context.Background()))
	st = s.State()
	require.Len(t, st.Messages, 80)
	assert.False(t, st.HasMore)
	assert.Equal(t, ids[0], st.Messages[0].ID)
	assertOrdered(t, st.Messages)

	require.NoError(t, s.LoadOlder(context.Background()))
	assert.Equal(t, 2, store.Calls("ListPage"))

	live := models.Message{ID: uuid.NewString(), ConversationID: conv, UserID: "bob", Type: models.MessageText, Content: "live"}
	require.NoError(t, store.CreateMessage(context.Background(), live))

	require.Eventually(t, func() bool { return len(s.Messages()) == 81 }, waitFor, 5*time.Millisecond)
	list := s.Messages()
	assert.Equal(t, live.ID, list[80].ID)
	assertOrdered(t, list)
}

func TestSend_OptimisticPlaceholderIsReplacedByConfirmedRow(t *testing.T) {
	store := seedStore()
	conv := openDM(t, store)
	seed(store, conv, "bob", 2)
	s := newSync(store, "alice", 50)
	require.NoError(t, s.Open(context.Background(), conv))

	store.Hold()
	sent, err := s.Send(context.Background(), SendInput{Content: "  hello  "})
	require.NoError(t, err)
	assert.Equal(t, "hello", sent.Content)
	assert.True(t, sent.IsOptimistic)

	list := s.Messages()
	require.Len(t, list, 3)
	assert.True(t, list[2].IsOptimistic)
	assert.Equal(t, sent.ID, list[2].ID)

	store.Release()
	require.Eventually(t, func() bool {
		list := s.Messages()
		return len(list) == 3 && !list[2].IsOptimistic && list[2].Sender != nil
	}, waitFor, 5*time.Millisecond)

	list = s.Messages()
	assert.Equal(t, sent.ID, list[2].ID)
	assert.Equal(t, "alice", list[2].Sender.ID)
	assertOrdered(t, list)
}

func TestSend_FailureRollsBackPlaceholder(t *testing.T) {
	store := seedStore()
	conv := openDM(t, store)
	seed(store, conv, "bob", 2)
	s := newSync(store, "alice", 50)
	require.NoError(t, s.Open(context.Background(), conv))

	store.Fail("CreateMessage", errors.New("insert rejected"))
	_, err := s.Send(context.Background(), SendInput{Content: "hello"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRemote))

	st := s.State()
	assert.Len(t, st.Messages, 2)
	assert.Contains(t, st.Error, "insert rejected")
}

func TestSend_Validation(t *testing.T) {
	store := seedStore()
	conv := openDM(t, store)
	s := newSync(store, "alice", 50)

	_, err := s.Send(context.Background(), SendInput{Content: "no conversation"})
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	require.NoError(t, s.Open(context.Background(), conv))
	cases := []SendInput{
		{Content: ""},
		{Content: "   \n\t"},
		{Content: strings.Repeat("x", MaxMessageLength+1)},
		{Type: models.MessageImage},
		{Type: "video", Content: "x"},
	}
	for _, in := range cases {
		_, err := s.Send(context.Background(), in)
		assert.True(t, errors.Is(err, apperrors.ErrValidation), "input %+v", in.Type)
	}
	assert.Equal(t, 0, store.Calls("CreateMessage"))
	assert.Empty(t, s.Messages())

	_, err = s.Send(context.Background(), SendInput{Content: strings.Repeat("é", MaxMessageLength)})
	assert.NoError(t, err)
}

func pngFile(t *testing.T) upload.File {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	return upload.File{Name: "shot.png", ContentType: "image/png", Data: buf.Bytes()}
}

func TestSendImage(t *testing.T) {
	store := seedStore()
	conv := openDM(t, store)
	s := newSync(store, "alice", 50)
	require.NoError(t, s.Open(context.Background(), conv))

	msg, err := s.SendImage(context.Background(), pngFile(t), nil)
	require.NoError(t, err)
	assert.Equal(t, models.MessageImage, msg.Type)
	require.NotNil(t, msg.MediaURL)
	assert.True(t, strings.HasPrefix(*msg.MediaURL, "http://media.test/media/chat-media/messages/"+conv+"/"))

	stored, ok := store.Message(msg.ID)
	require.True(t, ok)
	assert.Equal(t, *msg.MediaURL, *stored.MediaURL)
}

func TestSendImage_InvalidFileCreatesNoMessage(t *testing.T) {
	store := seedStore()
	conv := openDM(t, store)
	s := newSync(store, "alice", 50)
	require.NoError(t, s.Open(context.Background(), conv))

	_, err := s.SendImage(context.Background(), upload.File{Name: "notes.txt", ContentType: "text/plain", Data: []byte("x")}, nil)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
	assert.Equal(t, 0, store.Calls("CreateMessage"))
	assert.Empty(t, s.Messages())
}

func TestSend_ReplyCarriesPreview(t *testing.T) {
	store := seedStore()
	conv := openDM(t, store)
	ids := seed(store, conv, "bob", 1)
	s := newSync(store, "alice", 50)
	require.NoError(t, s.Open(context.Background(), conv))

	store.Hold()
	msg, err := s.Send(context.Background(), SendInput{Content: "re", ReplyToID: &ids[0]})
	require.NoError(t, err)
	require.NotNil(t, msg.ReplyTo)
	assert.Equal(t, "m0", msg.ReplyTo.Content)
	store.Release()
}

func TestDeleteForEveryone(t *testing.T) {
	store := seedStore()
	conv := openDM(t, store)
	mine := seed(store, conv, "alice", 1)[0]
	theirs := seed(store, conv, "bob", 1)[0]
	s := newSync(store, "alice", 50)
	require.NoError(t, s.Open(context.Background(), conv))

	err := s.DeleteMessage(context.Background(), theirs, true)
	assert.True(t, errors.Is(err, apperrors.ErrPermissionDenied))
	assert.Equal(t, 0, store.Calls("DeleteForEveryone"))

	require.NoError(t, s.DeleteMessage(context.Background(), mine, true))
	list := s.Messages()
	require.Len(t, list, 2)
	assert.True(t, list[0].IsDeleted)
	assert.Empty(t, list[0].Content)
	require.NotNil(t, list[0].Sender)

	stored, _ := store.Message(mine)
	assert.True(t, stored.IsDeleted)
}

func TestDeleteForEveryone_RemoteFailureLeavesStateUnchanged(t *testing.T) {
	store := seedStore()
	conv := openDM(t, store)
	mine := seed(store, conv, "alice", 1)[0]
	s := newSync(store, "alice", 50)
	require.NoError(t, s.Open(context.Background(), conv))

	store.Fail("DeleteForEveryone", errors.New("denied"))
	err := s.DeleteMessage(context.Background(), mine, true)
	assert.True(t, errors.Is(err, apperrors.ErrRemote))
	assert.False(t, s.Messages()[0].IsDeleted)
	assert.Equal(t, "m0", s.Messages()[0].Content)
}

func TestDeleteForMe_IsNotResurrected(t *testing.T) {
	store := seedStore()
	conv := openDM(t, store)
	ids := seed(store, conv, "bob", 2)
	s := newSync(store, "alice", 50)
	require.NoError(t, s.Open(context.Background(), conv))

	require.NoError(t, s.DeleteMessage(context.Background(), ids[0], false))
	require.Len(t, s.Messages(), 1)
	assert.Equal(t, 0, store.Calls("DeleteForEveryone"))

	require.NoError(t, store.DeleteForEveryone(context.Background(), ids[0], "bob"))
	require.NoError(t, s.LoadInitial(context.Background()))

	list := s.Messages()
	require.Len(t, list, 1)
	assert.Equal(t, ids[1], list[0].ID)
	_, stillStored := store.Message(ids[0])
	assert.True(t, stillStored)
}

func TestRemoteUpdatePatchesInPlace(t *testing.T) {
	store := seedStore()
	conv := openDM(t, store)
	ids := seed(store, conv, "bob", 2)
	s := newSync(store, "alice", 50)
	require.NoError(t, s.Open(context.Background(), conv))

	require.NoError(t, store.DeleteForEveryone(context.Background(), ids[1], "bob"))

	list := s.Messages()
	require.Len(t, list, 2)
	assert.True(t, list[1].IsDeleted)
	assert.Empty(t, list[1].Content)
	require.NotNil(t, list[1].Sender)
}

func TestTruncatedUpdateIsRefetched(t *testing.T) {
	store := seedStore()
	conv := openDM(t, store)
	ids := seed(store, conv, "bob", 1)
	s := newSync(store, "alice", 50)
	require.NoError(t, s.Open(context.Background(), conv))

	require.NoError(t, store.DeleteForEveryone(context.Background(), ids[0], "bob"))
	before := store.Calls("GetMessage")
	store.Feed.Dispatch(realtime.Change{
		Table:     "messages",
		Op:        realtime.OpUpdate,
		Row:       []byte(fmt.Sprintf(`{"id":%q,"conversation_id":%q}`, ids[0], conv)),
		Truncated: true,
	})

	require.Eventually(t, func() bool { return store.Calls("GetMessage") == before+1 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Messages()[0].IsDeleted }, waitFor, 5*time.Millisecond)
}

func TestMarkAsRead_IsIdempotent(t *testing.T) {
	store := seedStore()
	conv := openDM(t, store)
	var ids []string
	for i := 0; i < 5; i++ {
		m := models.Message{ID: uuid.NewString(), ConversationID: conv, UserID: "bob", Type: models.MessageText, Content: "hi"}
		require.NoError(t, store.CreateMessage(context.Background(), m))
		ids = append(ids, m.ID)
	}
	s := newSync(store, "alice", 50)
	require.NoError(t, s.Open(context.Background(), conv))
	agg := conversations.NewAggregator("alice", store, store, store, nil, store.Feed, time.Second, zerolog.Nop())

	require.NoError(t, s.MarkAsRead(context.Background(), ids[:2]))
	require.NoError(t, agg.Refresh(context.Background()))
	assert.Equal(t, 3, agg.State().Conversations[0].UnreadCount)

	require.NoError(t, s.MarkAsRead(context.Background(), ids[:2]))
	require.NoError(t, agg.Refresh(context.Background()))
	assert.Equal(t, 3, agg.State().Conversations[0].UnreadCount)

	assert.Equal(t, 1, store.Calls("MarkRead"))
	assert.Equal(t, 2, store.ReadCount("alice"))
}

func TestMarkAsRead_FailureIsRetryable(t *testing.T) {
	store := seedStore()
	conv := openDM(t, store)
	ids := seed(store, conv, "bob", 1)
	s := newSync(store, "alice", 50)
	require.NoError(t, s.Open(context.Background(), conv))

	store.Fail("MarkRead", errors.New("offline"))
	assert.True(t, errors.Is(s.MarkAsRead(context.Background(), ids), apperrors.ErrRemote))

	store.Fail("MarkRead", nil)
	require.NoError(t, s.MarkAsRead(context.Background(), ids))
	assert.Equal(t, 1, store.ReadCount("alice"))
}

func TestOpen_SwitchDiscardsLateFetch(t *testing.T) {
	repo := new(mocks.MessageRepositoryMock)
	feed := realtime.NewDispatcher()
	started, release := make(chan struct{}), make(chan struct{})

	repo.On("ListPage", mock.Anything, "conv-a", (*models.Cursor)(nil), 50).
		Run(func(mock.Arguments) { close(started); <-release }).
		Return([]models.Message{{ID: "a1", ConversationID: "conv-a", CreatedAt: time.Unix(10, 0)}}, nil)
	repo.On("ListPage", mock.Anything, "conv-b", (*models.Cursor)(nil), 50).
		Return([]models.Message{{ID: "b1", ConversationID: "conv-b", CreatedAt: time.Unix(20, 0)}}, nil)

	members := new(mocks.ConversationRepositoryMock)
	members.On("GetMember", mock.Anything, mock.Anything, "alice").Return(models.Member{UserID: "alice"}, nil)

	s := NewSynchronizer("alice", repo, nil, members, nil, feed, Config{FetchTimeout: time.Second}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- s.Open(context.Background(), "conv-a") }()
	<-started

	require.NoError(t, s.Open(context.Background(), "conv-b"))
	close(release)
	require.NoError(t, <-done)

	st := s.State()
	assert.Equal(t, "conv-b", st.ConversationID)
	require.Len(t, st.Messages, 1)
	assert.Equal(t, "b1", st.Messages[0].ID)
	assert.Equal(t, 1, feed.Len())
	repo.AssertExpectations(t)
}

func TestLoadInitialFailureSurfacesAsState(t *testing.T) {
	store := seedStore()
	conv := openDM(t, store)
	store.Fail("ListPage", errors.New("timeout"))
	s := newSync(store, "alice", 50)

	err := s.Open(context.Background(), conv)
	assert.True(t, errors.Is(err, apperrors.ErrRemote))
	st := s.State()
	assert.Equal(t, models.StatusError, st.Status)
	assert.Equal(t, "timeout", st.Error)
}

func TestClose_ReleasesSubscription(t *testing.T) {
	store := seedStore()
	conv := openDM(t, store)
	s := newSync(store, "alice", 50)
	require.NoError(t, s.Open(context.Background(), conv))
	require.Equal(t, 1, store.Feed.Len())

	s.Close()
	assert.Equal(t, 0, store.Feed.Len())
	st := s.State()
	assert.Equal(t, models.StatusIdle, st.Status)
	assert.Empty(t, st.Messages)
}

func TestNonMemberIsRejected(t *testing.T) {
	store := seedStore()
	store.AddProfile(models.Profile{ID: "mallory", Username: "mallory"})
	conv := openDM(t, store)
	seed(store, conv, "bob", 3)

	s := newSync(store, "mallory", 50)
	err := s.Open(context.Background(), conv)
	assert.True(t, errors.Is(err, apperrors.ErrPermissionDenied))
	assert.Equal(t, 0, store.Calls("ListPage"))
	assert.Equal(t, 0, store.Feed.Len())
	st := s.State()
	assert.Empty(t, st.ConversationID)
	assert.Empty(t, st.Messages)
}

func TestRemovedMemberCannotRefreshOrSend(t *testing.T) {
	store := seedStore()
	conv := openDM(t, store)
	seed(store, conv, "bob", 2)
	s := newSync(store, "alice", 50)
	require.NoError(t, s.Open(context.Background(), conv))
	require.NoError(t, store.RemoveMember(context.Background(), conv, "alice"))

	assert.True(t, errors.Is(s.LoadInitial(context.Background()), apperrors.ErrPermissionDenied))

	_, err := s.Send(context.Background(), SendInput{Content: "still here?"})
	assert.True(t, errors.Is(err, apperrors.ErrPermissionDenied))
	list := s.Messages()
	assert.Len(t, list, 2)
	for _, m := range list {
		assert.False(t, m.IsOptimistic)
	}
}

func TestMembershipLookupFailureIsRemote(t *testing.T) {
	store := seedStore()
	conv := openDM(t, store)
	store.Fail("GetMember", errors.New("connection reset"))
	s := newSync(store, "alice", 50)

	assert.True(t, errors.Is(s.Open(context.Background(), conv), apperrors.ErrRemote))
	assert.Equal(t, 0, store.Calls("ListPage"))
}

func TestLoadInitial_KeepsOlderCursor(t *testing.T) {
	store := seedStore()
	conv := openDM(t, store)
	ids := seed(store, conv, "bob", 80)
	s := newSync(store, "alice", 50)
	require.NoError(t, s.Open(context.Background(), conv))
	require.NoError(t, s.LoadOlder(context.Background()))
	require.False(t, s.State().HasMore)

	require.NoError(t, s.LoadInitial(context.Background()))
	st := s.State()
	require.Len(t, st.Messages, 80)
	assert.Equal(t, ids[0], st.Messages[0].ID)
	assert.False(t, st.HasMore)

	require.NoError(t, s.LoadOlder(context.Background()))
	assert.Equal(t, 3, store.Calls("ListPage"))
}

func TestOpen_InsertDuringInitialFetch(t *testing.T) {
	m1 := models.Message{ID: "m1", ConversationID: "conv", UserID: "bob", Content: "one", CreatedAt: time.Unix(10, 0)}
	m2 := models.Message{ID: "m2", ConversationID: "conv", UserID: "bob", Content: "two", CreatedAt: time.Unix(20, 0)}
	m3 := models.Message{ID: "m3", ConversationID: "conv", UserID: "bob", Content: "three", CreatedAt: time.Unix(30, 0)}

	tests := []struct {
		name string
		page func() []models.Message
	}{
		{"page already contains the insert", func() []models.Message { return []models.Message{m3, m2, m1} }},
		{"page predates the insert", func() []models.Message { return []models.Message{m2, m1} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feed := realtime.NewDispatcher()
			repo := new(mocks.MessageRepositoryMock)
			members := new(mocks.ConversationRepositoryMock)
			members.On("GetMember", mock.Anything, "conv", "alice").Return(models.Member{UserID: "alice"}, nil)
			s := NewSynchronizer("alice", repo, nil, members, nil, feed, Config{FetchTimeout: time.Second}, zerolog.Nop())

			repo.On("GetMessage", mock.Anything, "m3").Return(m3, nil)
			repo.On("ListPage", mock.Anything, "conv", (*models.Cursor)(nil), DefaultPageSize).
				Run(func(mock.Arguments) {
					raw, err := json.Marshal(m3)
					require.NoError(t, err)
					feed.Dispatch(realtime.Change{Table: "messages", Op: realtime.OpInsert, Row: raw})
					require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, waitFor, 5*time.Millisecond)
				}).
				Return(tt.page(), nil)

			require.NoError(t, s.Open(context.Background(), "conv"))

			list := s.Messages()
			require.Len(t, list, 3)
			assert.Equal(t, []string{"m1", "m2", "m3"}, []string{list[0].ID, list[1].ID, list[2].ID})
			assertOrdered(t, list)
			repo.AssertExpectations(t)
		})
	}
}
