package messages

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"chatsync/internal/apperrors"
	"chatsync/internal/models"
	"chatsync/internal/observability"
	"chatsync/internal/realtime"
	"chatsync/internal/repositories"
	"chatsync/internal/upload"
)

const (
	DefaultPageSize  = 50
	MaxMessageLength = 2000
)

var tracer = otel.Tracer("chatsync/messages")

// Members looks up conversation membership.
type Members interface {
	GetMember(ctx context.Context, conversationID, userID string) (models.Member, error)
}

// ImageUploader stores message attachments.
type ImageUploader interface {
	UploadChatImage(ctx context.Context, f upload.File, conversationID string) (upload.Result, error)
}

type Config struct {
	PageSize     int
	FetchTimeout time.Duration
}

// SendInput is a message to send. Type defaults to text.
type SendInput struct {
	Content   string             `json:"content"`
	Type      models.MessageType `json:"message_type"`
	MediaURL  *string            `json:"media_url,omitempty"`
	ReplyToID *string            `json:"reply_to,omitempty"`
}

// State is what the UI renders for the open conversation.
type State struct {
	ConversationID string           `json:"conversation_id"`
	Status         models.Status    `json:"status"`
	Messages       []models.Message `json:"messages"`
	HasMore        bool             `json:"has_more"`
	LoadingOlder   bool             `json:"loading_older"`
	Error          string           `json:"error,omitempty"`
}

// Synchronizer keeps the message list of one open conversation in step with
// the store. Confirmed messages are ordered by (createdAt, id); optimistic
// placeholders follow them in send order until their insert notification arrives.
type Synchronizer struct {
	userID  string
	msgs    repositories.MessageRepository
	reads   repositories.ReadRepository
	members Members
	uploads ImageUploader
	feed    realtime.Feed
	cfg     Config
	now     func() time.Time
	log     zerolog.Logger

	mu           sync.Mutex
	convID       string
	epoch        uint64
	status       models.Status
	err          string
	confirmed    []models.Message
	pending      []models.Message
	hidden       map[string]bool
	read         map[string]bool
	cursor       *models.Cursor
	hasMore      bool
	loadingOlder bool
	cancelSub    func()
	bgCtx        context.Context
	cancelBg     context.CancelFunc
	onChange     func()
}

func NewSynchronizer(userID string, msgs repositories.MessageRepository, reads repositories.ReadRepository,
	members Members, uploads ImageUploader, feed realtime.Feed, cfg Config, logger zerolog.Logger) *Synchronizer {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	return &Synchronizer{
		userID:  userID,
		msgs:    msgs,
		reads:   reads,
		members: members,
		uploads: uploads,
		feed:    feed,
		cfg:     cfg,
		now:     time.Now,
		log:     logger.With().Str("component", "messages").Str("user_id", userID).Logger(),
		status:  models.StatusIdle,
		hidden:  map[string]bool{},
		read:    map[string]bool{},
	}
}

func (s *Synchronizer) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Synchronizer) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Open makes conversationID the active conversation. Results of fetches
// issued for the previous conversation are discarded. Only members may open
// a conversation; a rejected open leaves the current one in place.
func (s *Synchronizer) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return apperrors.Validation("conversation id is required")
	}
	if err := s.checkMember(ctx, conversationID); err != nil {
		return err
	}
	prevSub, prevBg := s.reset(conversationID)
	if prevSub != nil {
		prevSub()
	}
	if prevBg != nil {
		prevBg()
	}

	s.mu.Lock()
	epoch := s.epoch
	s.cancelSub = s.feed.Subscribe(realtime.Subscription{
		Table:   "messages",
		Ops:     []realtime.Op{realtime.OpInsert, realtime.OpUpdate},
		Filter:  realtime.Filter{Column: "conversation_id", Value: conversationID},
		Handler: func(c realtime.Change) { s.handleChange(epoch, c) },
	})
	s.mu.Unlock()

	return s.loadInitial(ctx)
}

func (s *Synchronizer) checkMember(ctx context.Context, conversationID string) error {
	ctx, span := tracer.Start(ctx, "messages.checkMember")
	defer span.End()

	start := time.Now()
	_, err := s.members.GetMember(ctx, conversationID, s.userID)
	observability.ObserveRemote("messages", "get_member", start)
	if errors.Is(err, repositories.ErrMemberNotFound) {
		return apperrors.Permission("not a member of this conversation")
	}
	if err != nil {
		span.RecordError(err)
		return apperrors.Remote("check membership", err)
	}
	return nil
}

// Close leaves the active conversation and releases its subscription.
func (s *Synchronizer) Close() {
	prevSub, prevBg := s.reset("")
	if prevSub != nil {
		prevSub()
	}
	if prevBg != nil {
		prevBg()
	}
	s.notify()
}

// reset clears all per-conversation state and returns the releases of the previous one.
func (s *Synchronizer) reset(conversationID string) (func(), context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prevSub, prevBg := s.cancelSub, s.cancelBg
	s.epoch++
	s.convID = conversationID
	s.status = models.StatusIdle
	s.err = ""
	s.confirmed = nil
	s.pending = nil
	s.hidden = map[string]bool{}
	s.read = map[string]bool{}
	s.cursor = nil
	s.hasMore = false
	s.loadingOlder = false
	s.cancelSub = nil
	s.bgCtx, s.cancelBg = nil, nil
	if conversationID != "" {
		s.bgCtx, s.cancelBg = context.WithCancel(context.Background())
	}
	return prevSub, prevBg
}

// LoadInitial refetches the newest page of the active conversation after
// checking that the caller is still a member.
func (s *Synchronizer) LoadInitial(ctx context.Context) error {
	s.mu.Lock()
	convID := s.convID
	s.mu.Unlock()
	if convID == "" {
		return apperrors.Validation("no conversation is open")
	}
	if err := s.checkMember(ctx, convID); err != nil {
		return err
	}
	return s.loadInitial(ctx)
}

func (s *Synchronizer) loadInitial(ctx context.Context) error {
	s.mu.Lock()
	convID, epoch := s.convID, s.epoch
	if convID == "" {
		s.mu.Unlock()
		return apperrors.Validation("no conversation is open")
	}
	s.status = models.StatusLoading
	s.err = ""
	s.mu.Unlock()
	s.notify()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "messages.LoadInitial")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", convID))

	start := time.Now()
	page, err := s.msgs.ListPage(ctx, convID, nil, s.cfg.PageSize)
	observability.ObserveRemote("messages", "list_page", start)

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.status = models.StatusError
		s.err = err.Error()
		s.mu.Unlock()
		s.notify()
		span.RecordError(err)
		s.log.Warn().Err(err).Str("conversation_id", convID).Msg("initial load failed")
		return apperrors.Remote("load messages", err)
	}
	s.applyPage(page, false)
	s.status = models.StatusReady
	s.mu.Unlock()
	s.notify()
	return nil
}

// applyPage merges a newest-first page. An older page always moves the
// cursor to its oldest row; a newest page only does so when nothing older is
// loaded yet. Caller holds mu.
func (s *Synchronizer) applyPage(page []models.Message, older bool) {
	reverse(page)
	visible := page[:0]
	for _, m := range page {
		if !s.hidden[m.ID] {
			visible = append(visible, m)
		}
		s.pending, _ = remove(s.pending, m.ID)
	}
	s.confirmed = upsert(s.confirmed, visible...)

	if !older && s.cursor != nil {
		if len(page) == 0 {
			return
		}
		oldest := models.Message{ID: s.cursor.ID, CreatedAt: s.cursor.CreatedAt}
		if oldest.Before(page[0]) {
			return
		}
	}
	if len(page) > 0 {
		s.cursor = &models.Cursor{CreatedAt: page[0].CreatedAt, ID: page[0].ID}
	}
	s.hasMore = len(page) == s.cfg.PageSize
}

// LoadOlder fetches the page before the cursor. It does nothing while another
// page is loading or when there are no more pages.
func (s *Synchronizer) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	if s.convID == "" || s.status != models.StatusReady || s.loadingOlder || !s.hasMore || s.cursor == nil {
		s.mu.Unlock()
		return nil
	}
	convID, epoch, cursor := s.convID, s.epoch, *s.cursor
	s.loadingOlder = true
	s.mu.Unlock()
	s.notify()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "messages.LoadOlder")
	defer span.End()

	start := time.Now()
	page, err := s.msgs.ListPage(ctx, convID, &cursor, s.cfg.PageSize)
	observability.ObserveRemote("messages", "list_page", start)

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return nil
	}
	s.loadingOlder = false
	if err != nil {
		s.err = err.Error()
		s.mu.Unlock()
		s.notify()
		span.RecordError(err)
		return apperrors.Remote("load older messages", err)
	}
	s.applyPage(page, true)
	s.mu.Unlock()
	s.notify()
	return nil
}

// Send appends an optimistic placeholder and writes the message. The
// placeholder is replaced when the insert notification arrives, or removed
// if the write fails. Retrying with the returned message's ID is safe.
func (s *Synchronizer) Send(ctx context.Context, in SendInput) (models.Message, error) {
	if in.Type == "" {
		in.Type = models.MessageText
	}
	content := strings.TrimSpace(in.Content)
	switch in.Type {
	case models.MessageText:
		if content == "" {
			return models.Message{}, apperrors.Validation("message is empty")
		}
		if utf8.RuneCountInString(content) > MaxMessageLength {
			return models.Message{}, apperrors.Validation("message exceeds %d characters", MaxMessageLength)
		}
	case models.MessageImage:
		if in.MediaURL == nil || *in.MediaURL == "" {
			return models.Message{}, apperrors.Validation("image message needs a media url")
		}
	default:
		return models.Message{}, apperrors.Validation("unknown message type %q", in.Type)
	}

	s.mu.Lock()
	if s.convID == "" {
		s.mu.Unlock()
		return models.Message{}, apperrors.Validation("no conversation is open")
	}
	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: s.convID,
		UserID:         s.userID,
		Type:           in.Type,
		Content:        content,
		MediaURL:       in.MediaURL,
		ReplyToID:      in.ReplyToID,
		CreatedAt:      s.now().UTC(),
	}
	optimistic := msg
	optimistic.IsOptimistic = true
	if in.ReplyToID != nil {
		if i := indexOf(s.confirmed, *in.ReplyToID); i >= 0 {
			r := s.confirmed[i]
			optimistic.ReplyTo = &models.MessagePreview{ID: r.ID, UserID: r.UserID, Content: r.Content, Type: r.Type}
		}
	}
	s.pending = append(s.pending, optimistic)
	epoch := s.epoch
	s.mu.Unlock()
	observability.IncOptimisticSend("pending")
	s.notify()

	ctx, span := tracer.Start(ctx, "messages.Send")
	defer span.End()
	span.SetAttributes(attribute.String("message_id", msg.ID))

	start := time.Now()
	err := s.msgs.CreateMessage(ctx, msg)
	observability.ObserveRemote("messages", "create", start)
	if err != nil {
		span.RecordError(err)
		s.mu.Lock()
		if epoch == s.epoch {
			s.pending, _ = remove(s.pending, msg.ID)
			s.err = err.Error()
		}
		s.mu.Unlock()
		observability.IncOptimisticSend("rolled_back")
		s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("send failed")
		s.notify()
		if errors.Is(err, repositories.ErrNotMember) {
			return models.Message{}, apperrors.Permission("not a member of this conversation")
		}
		return models.Message{}, apperrors.Remote("send message", err)
	}
	return optimistic, nil
}

// SendImage uploads an attachment and sends it as an image message. A failed
// upload creates no message.
func (s *Synchronizer) SendImage(ctx context.Context, f upload.File, replyToID *string) (models.Message, error) {
	s.mu.Lock()
	convID := s.convID
	s.mu.Unlock()
	if convID == "" {
		return models.Message{}, apperrors.Validation("no conversation is open")
	}

	res, err := s.uploads.UploadChatImage(ctx, f, convID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrValidation) {
			s.setError(err)
		}
		return models.Message{}, err
	}
	return s.Send(ctx, SendInput{Type: models.MessageImage, MediaURL: &res.URL, ReplyToID: replyToID})
}

// DeleteMessage deletes for everyone (author only, remote) or hides the
// message from this session only.
func (s *Synchronizer) DeleteMessage(ctx context.Context, messageID string, forEveryone bool) error {
	if !forEveryone {
		s.mu.Lock()
		s.hidden[messageID] = true
		s.confirmed, _ = remove(s.confirmed, messageID)
		s.pending, _ = remove(s.pending, messageID)
		s.mu.Unlock()
		s.notify()
		return nil
	}

	s.mu.Lock()
	i := indexOf(s.confirmed, messageID)
	if i < 0 {
		pendingIdx := indexOf(s.pending, messageID)
		s.mu.Unlock()
		if pendingIdx >= 0 {
			return apperrors.Validation("message has not been delivered yet")
		}
		return apperrors.NotFound("message %s", messageID)
	}
	if s.confirmed[i].UserID != s.userID {
		s.mu.Unlock()
		return apperrors.Permission("only the author can delete a message for everyone")
	}
	epoch := s.epoch
	s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "messages.DeleteMessage")
	defer span.End()

	start := time.Now()
	err := s.msgs.DeleteForEveryone(ctx, messageID, s.userID)
	observability.ObserveRemote("messages", "delete", start)
	if err != nil {
		span.RecordError(err)
		s.setError(err)
		return apperrors.Remote("delete message", err)
	}

	s.mu.Lock()
	if epoch == s.epoch {
		if i := indexOf(s.confirmed, messageID); i >= 0 {
			s.confirmed[i].IsDeleted = true
			s.confirmed[i].Content = ""
		}
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// MarkAsRead records read marks for messageIDs. IDs already marked in this
// session and unsent placeholders are skipped, so repeating a call is free.
func (s *Synchronizer) MarkAsRead(ctx context.Context, messageIDs []string) error {
	s.mu.Lock()
	todo := make([]string, 0, len(messageIDs))
	seen := map[string]bool{}
	for _, id := range messageIDs {
		if id == "" || seen[id] || s.read[id] || indexOf(s.pending, id) >= 0 {
			continue
		}
		seen[id] = true
		todo = append(todo, id)
	}
	epoch := s.epoch
	s.mu.Unlock()
	if len(todo) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "messages.MarkAsRead")
	defer span.End()
	span.SetAttributes(attribute.Int("count", len(todo)))

	start := time.Now()
	err := s.reads.MarkRead(ctx, s.userID, todo)
	observability.ObserveRemote("messages", "mark_read", start)
	if err != nil {
		span.RecordError(err)
		s.log.Warn().Err(err).Msg("mark read failed")
		return apperrors.Remote("mark read", err)
	}

	s.mu.Lock()
	if epoch == s.epoch {
		for _, id := range todo {
			s.read[id] = true
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Synchronizer) setError(err error) {
	s.mu.Lock()
	s.err = err.Error()
	s.mu.Unlock()
	s.notify()
}

// Messages returns the confirmed messages followed by pending placeholders.
func (s *Synchronizer) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesLocked()
}

func (s *Synchronizer) messagesLocked() []models.Message {
	out := make([]models.Message, 0, len(s.confirmed)+len(s.pending))
	out = append(out, s.confirmed...)
	return append(out, s.pending...)
}

func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		ConversationID: s.convID,
		Status:         s.status,
		Messages:       s.messagesLocked(),
		HasMore:        s.hasMore,
		LoadingOlder:   s.loadingOlder,
		Error:          s.err,
	}
}
