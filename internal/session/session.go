package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatsync/internal/apperrors"
	"chatsync/internal/conversations"
	"chatsync/internal/messages"
	"chatsync/internal/models"
	"chatsync/internal/presence"
	"chatsync/internal/realtime"
	"chatsync/internal/repositories"
	"chatsync/internal/stories"
	"chatsync/internal/upload"
)

// Topics of the state events a session pushes.
const (
	TopicConversations = "conversations"
	TopicMessages      = "messages"
	TopicPresence      = "presence"
	TopicStories       = "stories"
)

var topicOrder = []string{TopicConversations, TopicMessages, TopicPresence, TopicStories}

// Deps are the collaborators shared by every session of the process.
type Deps struct {
	Conversations repositories.ConversationRepository
	Messages      repositories.MessageRepository
	Reads         repositories.ReadRepository
	Profiles      repositories.ProfileRepository
	Stories       repositories.StoryRepository
	Uploads       *upload.Pipeline
	Feed          realtime.Feed
	Bus           realtime.Bus
}

type Config struct {
	PageSize        int
	FetchTimeout    time.Duration
	Heartbeat       time.Duration
	TypingTimeout   time.Duration
	RemoteTypingTTL time.Duration
	StoryExpiry     time.Duration
}

// PresencePayload is the presence event body: the online set plus who is
// typing in the open conversation.
type PresencePayload struct {
	presence.State
	ConversationID string   `json:"conversation_id,omitempty"`
	Typing         []string `json:"typing"`
}

// Session composes the sync components of one signed-in user.
type Session struct {
	UserID        string
	Conversations *conversations.Aggregator
	Messages      *messages.Synchronizer
	Presence      *presence.Tracker
	Stories       *stories.Manager
	Uploads       *upload.Pipeline

	log zerolog.Logger

	mu       sync.Mutex
	active   string
	onEvent  func(models.StateEvent)
	pending  map[string]bool
	wake     chan struct{}
	quit     chan struct{}
	stopOnce sync.Once
}

func New(userID string, deps Deps, cfg Config, logger zerolog.Logger) *Session {
	s := &Session{
		UserID:  userID,
		Uploads: deps.Uploads,
		log:     logger.With().Str("component", "session").Str("user_id", userID).Logger(),
		pending: map[string]bool{},
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	s.Conversations = conversations.NewAggregator(userID, deps.Conversations, deps.Messages, deps.Reads,
		deps.Uploads, deps.Feed, cfg.FetchTimeout, logger)
	s.Messages = messages.NewSynchronizer(userID, deps.Messages, deps.Reads, deps.Conversations, deps.Uploads, deps.Feed,
		messages.Config{PageSize: cfg.PageSize, FetchTimeout: cfg.FetchTimeout}, logger)
	s.Presence = presence.NewTracker(userID, deps.Profiles, deps.Conversations, deps.Feed, deps.Bus,
		presence.Config{Heartbeat: cfg.Heartbeat, TypingTimeout: cfg.TypingTimeout, RemoteTypingTTL: cfg.RemoteTypingTTL}, logger)
	s.Stories = stories.NewManager(userID, deps.Stories, deps.Uploads, deps.Feed,
		stories.Config{Expiry: cfg.StoryExpiry, FetchTimeout: cfg.FetchTimeout}, logger)

	s.Conversations.OnChange(func() { s.emit(TopicConversations) })
	s.Messages.OnChange(func() { s.emit(TopicMessages) })
	s.Presence.OnChange(func() { s.emit(TopicPresence) })
	s.Stories.OnChange(func() { s.emit(TopicStories) })
	go s.deliver()
	return s
}

// OnEvent sets the receiver of state events.
func (s *Session) OnEvent(fn func(models.StateEvent)) {
	s.mu.Lock()
	s.onEvent = fn
	s.mu.Unlock()
}

// emit marks topic dirty and wakes the delivery loop. It never blocks, so a
// slow receiver cannot stall the component that changed.
func (s *Session) emit(topic string) {
	s.mu.Lock()
	s.pending[topic] = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// deliver sends one snapshot per dirty topic. Changes that pile up while the
// receiver is busy collapse into the latest snapshot.
func (s *Session) deliver() {
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		}
		s.mu.Lock()
		fn, dirty := s.onEvent, s.pending
		s.pending = map[string]bool{}
		s.mu.Unlock()
		if fn == nil {
			continue
		}
		for _, topic := range topicOrder {
			if dirty[topic] {
				fn(models.StateEvent{Type: "state", Topic: topic, Payload: s.Snapshot(topic)})
			}
		}
	}
}

// Snapshot returns the current state of one topic.
func (s *Session) Snapshot(topic string) any {
	switch topic {
	case TopicConversations:
		return s.Conversations.State()
	case TopicMessages:
		return s.Messages.State()
	case TopicPresence:
		s.mu.Lock()
		active := s.active
		s.mu.Unlock()
		typing := []string{}
		if active != "" {
			typing = s.Presence.Typing(active)
		}
		return PresencePayload{State: s.Presence.State(), ConversationID: active, Typing: typing}
	case TopicStories:
		return s.Stories.State()
	}
	return nil
}

// Start brings every component online. A component that fails its first
// fetch stays running in the error state; the joined errors are returned.
func (s *Session) Start(ctx context.Context) error {
	errs := []error{
		s.Presence.Start(ctx),
		s.Conversations.Start(ctx),
		s.Stories.Start(ctx),
	}
	err := errors.Join(errs...)
	if err != nil {
		s.log.Warn().Err(err).Msg("session started with errors")
	}
	return err
}

// Stop releases every subscription and marks the user offline.
func (s *Session) Stop(ctx context.Context) {
	s.Messages.Close()
	s.Conversations.Stop()
	s.Stories.Stop()
	s.Presence.Stop(ctx)
	s.stopOnce.Do(func() { close(s.quit) })
}

// OpenConversation switches the message list and the typing channel to conversationID.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) error {
	err := s.Messages.Open(ctx, conversationID)
	if errors.Is(err, apperrors.ErrPermissionDenied) || errors.Is(err, apperrors.ErrValidation) {
		return err
	}
	s.mu.Lock()
	s.active = conversationID
	s.mu.Unlock()
	if perr := s.Presence.SetActiveConversation(ctx, conversationID); perr != nil {
		s.log.Warn().Err(perr).Str("conversation_id", conversationID).Msg("typing subscription failed")
	}
	return err
}

// CloseConversation leaves the open conversation.
func (s *Session) CloseConversation(ctx context.Context) {
	s.mu.Lock()
	s.active = ""
	s.mu.Unlock()
	_ = s.Presence.SetActiveConversation(ctx, "")
	s.Messages.Close()
}

// ActiveConversation returns the open conversation id, or "".
func (s *Session) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
