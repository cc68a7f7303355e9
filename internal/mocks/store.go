package mocks

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/models"
	"chatsync/internal/realtime"
	"chatsync/internal/repositories"
)

var (
	_ repositories.ConversationRepository = (*Store)(nil)
	_ repositories.MessageRepository      = (*Store)(nil)
	_ repositories.ReadRepository         = (*Store)(nil)
	_ repositories.ProfileRepository      = (*Store)(nil)
	_ repositories.StoryRepository        = (*Store)(nil)
	_ repositories.BlobRepository         = (*Store)(nil)
)

type readKey struct {
	userID    string
	messageID string
}

// Store is an in-memory substrate implementing every repository interface.
// Writes emit row changes on Feed the way the database triggers do.
type Store struct {
	Feed *realtime.Dispatcher

	mu            sync.Mutex
	clock         time.Time
	profiles      map[string]models.Profile
	conversations map[string]models.Conversation
	members       []models.Member
	messages      map[string]models.Message
	reads         map[readKey]time.Time
	stories       map[string]models.Story
	views         map[string][]models.StoryView
	blobs         map[string]models.Blob
	failures      map[string]error
	calls         map[string]int
	held          bool
	pending       []realtime.Change
}

// NewStore creates an empty store whose clock starts at a fixed instant.
func NewStore() *Store {
	return &Store{
		Feed:          realtime.NewDispatcher(),
		clock:         time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		profiles:      map[string]models.Profile{},
		conversations: map[string]models.Conversation{},
		messages:      map[string]models.Message{},
		reads:         map[readKey]time.Time{},
		stories:       map[string]models.Story{},
		views:         map[string][]models.StoryView{},
		blobs:         map[string]models.Blob{},
		failures:      map[string]error{},
		calls:         map[string]int{},
	}
}

// Fail makes every later call of op return err; a nil err clears it.
func (s *Store) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Hold buffers notifications until Release.
func (s *Store) Hold() {
	s.mu.Lock()
	s.held = true
	s.mu.Unlock()
}

// Release delivers buffered notifications and stops buffering.
func (s *Store) Release() {
	s.mu.Lock()
	s.held = false
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, c := range pending {
		s.Feed.Dispatch(c)
	}
}

// Now returns the store clock.
func (s *Store) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// begin records a call and returns the injected failure, if any. Caller holds mu.
func (s *Store) begin(op string) error {
	s.calls[op]++
	return s.failures[op]
}

func (s *Store) tick() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

// emit queues a change. Caller holds mu and must call flush after unlocking.
func (s *Store) emit(out *[]realtime.Change, table string, op realtime.Op, row any) {
	raw, _ := json.Marshal(row)
	c := realtime.Change{Table: table, Op: op, Row: raw}
	if s.held {
		s.pending = append(s.pending, c)
		return
	}
	*out = append(*out, c)
}

func (s *Store) flush(changes []realtime.Change) {
	for _, c := range changes {
		s.Feed.Dispatch(c)
	}
}

// AddProfile seeds a profile without notifying.
func (s *Store) AddProfile(p models.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

// SeedMessage stores msg as is, keeping its CreatedAt, without notifying.
func (s *Store) SeedMessage(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.tick()
	} else if msg.CreatedAt.After(s.clock) {
		s.clock = msg.CreatedAt
	}
	if msg.Type == "" {
		msg.Type = models.MessageText
	}
	s.messages[msg.ID] = msg
}

// SeedStory stores a story as is, without notifying.
func (s *Store) SeedStory(story models.Story) models.Story {
	s.mu.Lock()
	defer s.mu.Unlock()
	if story.ID == "" {
		story.ID = uuid.NewString()
	}
	s.stories[story.ID] = story
	return story
}

// Message returns the stored row, bypassing enrichment.
func (s *Store) Message(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	return m, ok
}

// Conversation returns the stored row.
func (s *Store) Conversation(id string) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	return c, ok
}

// Blob returns the stored object.
func (s *Store) Blob(path string) (models.Blob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[path]
	return b, ok
}

// Profiles

func (s *Store) GetProfiles(ctx context.Context, ids []string) ([]models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("GetProfiles"); err != nil {
		return nil, err
	}
	var out []models.Profile
	for _, id := range ids {
		if p, ok := s.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) ListOnlineIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("ListOnlineIDs"); err != nil {
		return nil, err
	}
	var ids []string
	for id, p := range s.profiles {
		if p.IsOnline {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	var changes []realtime.Change
	s.mu.Lock()
	if err := s.begin("SetPresence"); err != nil {
		s.mu.Unlock()
		return err
	}
	p, ok := s.profiles[userID]
	if !ok {
		p = models.Profile{ID: userID, Username: userID, DisplayName: userID}
	}
	p.IsOnline = online
	p.LastSeen = &at
	s.profiles[userID] = p
	s.emit(&changes, "profiles", realtime.OpUpdate, p)
	s.mu.Unlock()
	s.flush(changes)
	return nil
}

// Conversations

func (s *Store) ListMemberships(ctx context.Context, userID string) ([]models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("ListMemberships"); err != nil {
		return nil, err
	}
	var out []models.Member
	for _, m := range s.members {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) ListConversations(ctx context.Context, ids []string) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("ListConversations"); err != nil {
		return nil, err
	}
	var out []models.Conversation
	for _, id := range ids {
		if c, ok := s.conversations[id]; ok {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) ListMembers(ctx context.Context, conversationIDs []string) ([]models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("ListMembers"); err != nil {
		return nil, err
	}
	want := toSet(conversationIDs)
	var out []models.Member
	for _, m := range s.members {
		if !want[m.ConversationID] {
			continue
		}
		if p, ok := s.profiles[m.UserID]; ok {
			p := p
			m.Profile = &p
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) GetMember(ctx context.Context, conversationID string, userID string) (models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("GetMember"); err != nil {
		return models.Member{}, err
	}
	for _, m := range s.members {
		if m.ConversationID == conversationID && m.UserID == userID {
			return m, nil
		}
	}
	return models.Member{}, repositories.ErrMemberNotFound
}

func (s *Store) FindDirect(ctx context.Context, userID string, otherUserID string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("FindDirect"); err != nil {
		return models.Conversation{}, err
	}
	var found []models.Conversation
	for _, c := range s.conversations {
		if c.Type == models.ConversationDirect && s.isMember(c.ID, userID) && s.isMember(c.ID, otherUserID) {
			found = append(found, c)
		}
	}
	if len(found) == 0 {
		return models.Conversation{}, repositories.ErrConversationNotFound
	}
	sort.Slice(found, func(i, j int) bool { return found[i].CreatedAt.Before(found[j].CreatedAt) })
	return found[0], nil
}

func (s *Store) isMember(conversationID, userID string) bool {
	for _, m := range s.members {
		if m.ConversationID == conversationID && m.UserID == userID {
			return true
		}
	}
	return false
}

func (s *Store) CreateConversation(ctx context.Context, conv models.Conversation, members []models.Member) (models.Conversation, error) {
	var changes []realtime.Change
	s.mu.Lock()
	if err := s.begin("CreateConversation"); err != nil {
		s.mu.Unlock()
		return models.Conversation{}, err
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if _, exists := s.conversations[conv.ID]; exists {
		s.mu.Unlock()
		return models.Conversation{}, errors.New("duplicate key value violates unique constraint \"conversations_pkey\"")
	}
	conv.CreatedAt = s.tick()
	conv.UpdatedAt = conv.CreatedAt
	s.conversations[conv.ID] = conv
	s.emit(&changes, "conversations", realtime.OpInsert, conv)
	for _, m := range members {
		if s.isMember(conv.ID, m.UserID) {
			continue
		}
		m.ConversationID = conv.ID
		m.Profile = nil
		s.members = append(s.members, m)
		s.emit(&changes, "conversation_members", realtime.OpInsert, m)
	}
	s.mu.Unlock()
	s.flush(changes)
	return conv, nil
}

func (s *Store) AddMembers(ctx context.Context, members []models.Member) error {
	var changes []realtime.Change
	s.mu.Lock()
	if err := s.begin("AddMembers"); err != nil {
		s.mu.Unlock()
		return err
	}
	for _, m := range members {
		if s.isMember(m.ConversationID, m.UserID) {
			continue
		}
		m.Profile = nil
		s.members = append(s.members, m)
		s.emit(&changes, "conversation_members", realtime.OpInsert, m)
	}
	s.mu.Unlock()
	s.flush(changes)
	return nil
}

func (s *Store) UpdateConversation(ctx context.Context, id string, update models.ConversationUpdate) error {
	var changes []realtime.Change
	s.mu.Lock()
	if err := s.begin("UpdateConversation"); err != nil {
		s.mu.Unlock()
		return err
	}
	c, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		return repositories.ErrConversationNotFound
	}
	if update.Name != nil {
		c.Name = update.Name
	}
	if update.Description != nil {
		c.Description = update.Description
	}
	if update.AvatarURL != nil {
		c.AvatarURL = update.AvatarURL
	}
	c.UpdatedAt = s.tick()
	s.conversations[id] = c
	s.emit(&changes, "conversations", realtime.OpUpdate, c)
	s.mu.Unlock()
	s.flush(changes)
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, conversationID string, userID string) error {
	var changes []realtime.Change
	s.mu.Lock()
	if err := s.begin("RemoveMember"); err != nil {
		s.mu.Unlock()
		return err
	}
	for i, m := range s.members {
		if m.ConversationID == conversationID && m.UserID == userID {
			s.members = append(s.members[:i], s.members[i+1:]...)
			s.emit(&changes, "conversation_members", realtime.OpDelete, m)
			s.mu.Unlock()
			s.flush(changes)
			return nil
		}
	}
	s.mu.Unlock()
	return repositories.ErrMemberNotFound
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	var changes []realtime.Change
	s.mu.Lock()
	if err := s.begin("DeleteConversation"); err != nil {
		s.mu.Unlock()
		return err
	}
	c, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		return repositories.ErrConversationNotFound
	}
	delete(s.conversations, id)
	kept := s.members[:0]
	for _, m := range s.members {
		if m.ConversationID != id {
			kept = append(kept, m)
		}
	}
	s.members = kept
	for mid, m := range s.messages {
		if m.ConversationID == id {
			delete(s.messages, mid)
		}
	}
	s.emit(&changes, "conversations", realtime.OpDelete, c)
	s.mu.Unlock()
	s.flush(changes)
	return nil
}

// Messages

func (s *Store) ListPage(ctx context.Context, conversationID string, before *models.Cursor, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("ListPage"); err != nil {
		return nil, err
	}
	var out []models.Message
	for _, m := range s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if before != nil && !m.Before(models.Message{ID: before.ID, CreatedAt: before.CreatedAt}) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Before(out[i]) })
	if len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i] = s.enrich(out[i])
	}
	return out, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("GetMessage"); err != nil {
		return models.Message{}, err
	}
	m, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return s.enrich(m), nil
}

func (s *Store) enrich(m models.Message) models.Message {
	if p, ok := s.profiles[m.UserID]; ok {
		p := p
		m.Sender = &p
	}
	if m.ReplyToID != nil {
		if r, ok := s.messages[*m.ReplyToID]; ok {
			m.ReplyTo = &models.MessagePreview{ID: r.ID, UserID: r.UserID, Content: r.Content, Type: r.Type}
		}
	}
	return m
}

func (s *Store) CreateMessage(ctx context.Context, msg models.Message) error {
	var changes []realtime.Change
	s.mu.Lock()
	if err := s.begin("CreateMessage"); err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.isMember(msg.ConversationID, msg.UserID) {
		s.mu.Unlock()
		return repositories.ErrNotMember
	}
	if _, exists := s.messages[msg.ID]; exists {
		s.mu.Unlock()
		return nil
	}
	msg.CreatedAt = s.tick()
	msg.IsDeleted = false
	msg.IsOptimistic = false
	msg.Sender = nil
	msg.ReplyTo = nil
	s.messages[msg.ID] = msg
	s.emit(&changes, "messages", realtime.OpInsert, msg)
	// The activity bump is silent, like the database trigger.
	if c, ok := s.conversations[msg.ConversationID]; ok {
		c.UpdatedAt = msg.CreatedAt
		s.conversations[c.ID] = c
	}
	s.mu.Unlock()
	s.flush(changes)
	return nil
}

func (s *Store) DeleteForEveryone(ctx context.Context, messageID string, userID string) error {
	var changes []realtime.Change
	s.mu.Lock()
	if err := s.begin("DeleteForEveryone"); err != nil {
		s.mu.Unlock()
		return err
	}
	m, ok := s.messages[messageID]
	if !ok || m.UserID != userID {
		s.mu.Unlock()
		return repositories.ErrMessageNotFound
	}
	m.IsDeleted = true
	m.Content = ""
	s.messages[messageID] = m
	s.emit(&changes, "messages", realtime.OpUpdate, m)
	s.mu.Unlock()
	s.flush(changes)
	return nil
}

func (s *Store) ListLatest(ctx context.Context, conversationIDs []string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("ListLatest"); err != nil {
		return nil, err
	}
	want := toSet(conversationIDs)
	latest := map[string]models.Message{}
	for _, m := range s.messages {
		if !want[m.ConversationID] {
			continue
		}
		if cur, ok := latest[m.ConversationID]; !ok || cur.Before(m) {
			latest[m.ConversationID] = m
		}
	}
	out := make([]models.Message, 0, len(latest))
	for _, m := range latest {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out, nil
}

func (s *Store) ListFromOthers(ctx context.Context, conversationIDs []string, userID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("ListFromOthers"); err != nil {
		return nil, err
	}
	want := toSet(conversationIDs)
	var out []models.Message
	for _, m := range s.messages {
		if want[m.ConversationID] && m.UserID != userID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Before(out[i]) })
	return out, nil
}

// Read marks

func (s *Store) MarkRead(ctx context.Context, userID string, messageIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("MarkRead"); err != nil {
		return err
	}
	for _, id := range messageIDs {
		key := readKey{userID: userID, messageID: id}
		if _, ok := s.reads[key]; !ok {
			s.reads[key] = s.tick()
		}
	}
	return nil
}

func (s *Store) ListRead(ctx context.Context, userID string, messageIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("ListRead"); err != nil {
		return nil, err
	}
	var out []string
	for _, id := range messageIDs {
		if _, ok := s.reads[readKey{userID: userID, messageID: id}]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// ReadCount returns the number of read marks stored for userID.
func (s *Store) ReadCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.reads {
		if k.userID == userID {
			n++
		}
	}
	return n
}

// Stories

func (s *Store) ListActive(ctx context.Context, now time.Time) ([]models.Story, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("ListActive"); err != nil {
		return nil, err
	}
	var out []models.Story
	for _, st := range s.stories {
		if !st.ExpiresAt.After(now) {
			continue
		}
		if p, ok := s.profiles[st.UserID]; ok {
			p := p
			st.Author = &p
		}
		st.Views = append([]models.StoryView(nil), s.views[st.ID]...)
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateStory(ctx context.Context, story models.Story) (models.Story, error) {
	var changes []realtime.Change
	s.mu.Lock()
	if err := s.begin("CreateStory"); err != nil {
		s.mu.Unlock()
		return models.Story{}, err
	}
	story.ID = uuid.NewString()
	if story.CreatedAt.IsZero() {
		story.CreatedAt = s.tick()
	}
	story.Author = nil
	story.Views = nil
	s.stories[story.ID] = story
	s.emit(&changes, "stories", realtime.OpInsert, story)
	s.mu.Unlock()
	s.flush(changes)
	return story, nil
}

func (s *Store) UpsertView(ctx context.Context, storyID string, viewerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("UpsertView"); err != nil {
		return err
	}
	if _, ok := s.stories[storyID]; !ok {
		return repositories.ErrStoryNotFound
	}
	for _, v := range s.views[storyID] {
		if v.ViewerID == viewerID {
			return nil
		}
	}
	s.views[storyID] = append(s.views[storyID], models.StoryView{StoryID: storyID, ViewerID: viewerID, ViewedAt: s.tick()})
	return nil
}

func (s *Store) DeleteStory(ctx context.Context, storyID string, userID string) error {
	var changes []realtime.Change
	s.mu.Lock()
	if err := s.begin("DeleteStory"); err != nil {
		s.mu.Unlock()
		return err
	}
	st, ok := s.stories[storyID]
	if !ok || st.UserID != userID {
		s.mu.Unlock()
		return repositories.ErrStoryNotFound
	}
	delete(s.stories, storyID)
	delete(s.views, storyID)
	s.emit(&changes, "stories", realtime.OpDelete, st)
	s.mu.Unlock()
	s.flush(changes)
	return nil
}

// Blobs

func (s *Store) PutBlob(ctx context.Context, blob models.Blob, upsert bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("PutBlob"); err != nil {
		return err
	}
	if _, exists := s.blobs[blob.Path]; exists && !upsert {
		return repositories.ErrBlobExists
	}
	s.blobs[blob.Path] = blob
	return nil
}

func (s *Store) GetBlob(ctx context.Context, path string) (models.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("GetBlob"); err != nil {
		return models.Blob{}, err
	}
	b, ok := s.blobs[path]
	if !ok {
		return models.Blob{}, repositories.ErrBlobNotFound
	}
	return b, nil
}

func (s *Store) DeleteBlob(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("DeleteBlob"); err != nil {
		return err
	}
	delete(s.blobs, path)
	return nil
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
