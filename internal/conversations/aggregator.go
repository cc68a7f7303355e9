package conversations

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
	GroupNameMinLength = 3
	GroupMaxMembers    = 256
)

var tracer = otel.Tracer("chatsync/conversations")

// AvatarUploader stores group avatars.
type AvatarUploader interface {
	Validate(f upload.File) error
	UploadGroupAvatar(ctx context.Context, f upload.File, conversationID string) (upload.Result, error)
	Remove(ctx context.Context, key string) error
}

// GroupInput describes a new group.
type GroupInput struct {
	Name        string
	Description string
	Avatar      *upload.File
	MemberIDs   []string
}

// GroupUpdate is a partial group edit. Nil fields are left as they are.
type GroupUpdate struct {
	Name        *string
	Description *string
	Avatar      *upload.File
}

// State is what the UI renders for the conversation list.
type State struct {
	Status        models.Status                `json:"status"`
	Conversations []models.ConversationSummary `json:"conversations"`
	Error         string                       `json:"error,omitempty"`
}

// Aggregator maintains the enriched conversation list of one user.
type Aggregator struct {
	userID  string
	convs   repositories.ConversationRepository
	msgs    repositories.MessageRepository
	reads   repositories.ReadRepository
	uploads AvatarUploader
	feed    realtime.Feed
	timeout time.Duration
	log     zerolog.Logger

	dmMu sync.Mutex

	mu         sync.Mutex
	status     models.Status
	err        string
	list       []models.ConversationSummary
	gen        uint64
	cancels    []func()
	refreshing bool
	dirty      bool
	onChange   func()
}

func NewAggregator(userID string, convs repositories.ConversationRepository, msgs repositories.MessageRepository,
	reads repositories.ReadRepository, uploads AvatarUploader, feed realtime.Feed, fetchTimeout time.Duration, logger zerolog.Logger) *Aggregator {
	if fetchTimeout <= 0 {
		fetchTimeout = 15 * time.Second
	}
	return &Aggregator{
		userID:  userID,
		convs:   convs,
		msgs:    msgs,
		reads:   reads,
		uploads: uploads,
		feed:    feed,
		timeout: fetchTimeout,
		log:     logger.With().Str("component", "conversations").Str("user_id", userID).Logger(),
		status:  models.StatusIdle,
	}
}

func (a *Aggregator) OnChange(fn func()) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

func (a *Aggregator) notify() {
	a.mu.Lock()
	fn := a.onChange
	a.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Start subscribes to changes of the caller's conversations, memberships and
// new messages, then loads the list.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.cancels == nil {
		a.cancels = []func(){
			a.feed.Subscribe(realtime.Subscription{Table: "conversations", Handler: a.onConversationChange}),
			a.feed.Subscribe(realtime.Subscription{Table: "conversation_members", Handler: a.onMemberChange}),
			a.feed.Subscribe(realtime.Subscription{Table: "messages", Ops: []realtime.Op{realtime.OpInsert}, Handler: a.onMessageInsert}),
		}
	}
	a.mu.Unlock()
	return a.Refresh(ctx)
}

func (a *Aggregator) onConversationChange(c realtime.Change) {
	if id, ok := c.Field("id"); ok && a.loaded(id) {
		a.scheduleRefresh()
	}
}

// onMemberChange refreshes when the caller joins or leaves, or when a loaded group's roster changes.
func (a *Aggregator) onMemberChange(c realtime.Change) {
	if uid, ok := c.Field("user_id"); ok && uid == a.userID {
		a.scheduleRefresh()
		return
	}
	if id, ok := c.Field("conversation_id"); ok && a.loaded(id) {
		a.scheduleRefresh()
	}
}

func (a *Aggregator) onMessageInsert(c realtime.Change) {
	if id, ok := c.Field("conversation_id"); ok && a.loaded(id) {
		a.scheduleRefresh()
	}
}

func (a *Aggregator) loaded(conversationID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.list {
		if s.ID == conversationID {
			return true
		}
	}
	return false
}

// Stop releases subscriptions and discards in-flight refreshes.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	cancels := a.cancels
	a.cancels = nil
	a.gen++
	a.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// scheduleRefresh coalesces bursts of notifications into at most one pending refresh.
func (a *Aggregator) scheduleRefresh() {
	a.mu.Lock()
	if a.refreshing {
		a.dirty = true
		a.mu.Unlock()
		return
	}
	a.refreshing = true
	a.mu.Unlock()

	go func() {
		for {
			if err := a.Refresh(context.Background()); err != nil {
				a.log.Debug().Err(err).Msg("background refresh failed")
			}
			a.mu.Lock()
			if !a.dirty {
				a.refreshing = false
				a.mu.Unlock()
				return
			}
			a.dirty = false
			a.mu.Unlock()
		}
	}()
}

// Refresh reloads and enriches the conversation list with a fixed number of
// queries. Enrichment failures keep the list and set the error field.
func (a *Aggregator) Refresh(ctx context.Context) error {
	a.mu.Lock()
	a.gen++
	gen := a.gen
	if a.status != models.StatusReady {
		a.status = models.StatusLoading
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "conversations.Refresh")
	defer span.End()
	start := time.Now()
	defer observability.ObserveRemote("conversations", "refresh", start)

	var b batch
	var err error
	b.memberships, err = a.convs.ListMemberships(ctx, a.userID)
	if err == nil {
		ids := make([]string, 0, len(b.memberships))
		for _, m := range b.memberships {
			ids = append(ids, m.ConversationID)
		}
		b.convs, err = a.convs.ListConversations(ctx, ids)
		if err == nil {
			partial := a.enrich(ctx, ids, &b)
			span.SetAttributes(attribute.Int("conversations", len(b.convs)))
			return a.apply(gen, summarize(a.userID, b), partial)
		}
	}

	span.RecordError(err)
	a.mu.Lock()
	if gen == a.gen {
		a.status = models.StatusError
		a.err = err.Error()
	}
	a.mu.Unlock()
	a.notify()
	a.log.Warn().Err(err).Msg("refresh failed")
	return apperrors.Remote("list conversations", err)
}

func (a *Aggregator) enrich(ctx context.Context, ids []string, b *batch) error {
	var errs []error
	var err error
	if b.members, err = a.convs.ListMembers(ctx, ids); err != nil {
		errs = append(errs, err)
	}
	if b.latest, err = a.msgs.ListLatest(ctx, ids); err != nil {
		errs = append(errs, err)
	}
	if b.fromOthers, err = a.msgs.ListFromOthers(ctx, ids, a.userID); err != nil {
		errs = append(errs, err)
	}
	b.read = map[string]bool{}
	if len(b.fromOthers) > 0 {
		msgIDs := make([]string, 0, len(b.fromOthers))
		for _, m := range b.fromOthers {
			msgIDs = append(msgIDs, m.ID)
		}
		readIDs, err := a.reads.ListRead(ctx, a.userID, msgIDs)
		if err != nil {
			errs = append(errs, err)
			// Without read marks every message would look unread.
			b.fromOthers = nil
		}
		for _, id := range readIDs {
			b.read[id] = true
		}
	}
	return errors.Join(errs...)
}

func (a *Aggregator) apply(gen uint64, list []models.ConversationSummary, partial error) error {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return nil
	}
	a.list = list
	a.status = models.StatusReady
	a.err = ""
	if partial != nil {
		a.err = partial.Error()
	}
	a.mu.Unlock()
	a.notify()

	if partial != nil {
		a.log.Warn().Err(partial).Msg("conversation enrichment incomplete")
		return apperrors.Remote("enrich conversations", partial)
	}
	return nil
}

func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	list := make([]models.ConversationSummary, len(a.list))
	copy(list, a.list)
	return State{Status: a.status, Conversations: list, Error: a.err}
}

// Summary returns the loaded summary of one conversation.
func (a *Aggregator) Summary(conversationID string) (models.ConversationSummary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.list {
		if s.ID == conversationID {
			return s, true
		}
	}
	return models.ConversationSummary{}, false
}

func (a *Aggregator) setError(err error) {
	a.mu.Lock()
	a.err = err.Error()
	a.mu.Unlock()
	a.notify()
}

// remoteErr maps repository failures onto the error taxonomy and records them as state.
func (a *Aggregator) remoteErr(op string, err error) error {
	switch {
	case errors.Is(err, repositories.ErrConversationNotFound):
		return apperrors.NotFound("conversation not found")
	case errors.Is(err, repositories.ErrMemberNotFound):
		return apperrors.NotFound("member not found")
	}
	a.log.Warn().Err(err).Str("op", op).Msg("conversation operation failed")
	a.setError(err)
	return apperrors.Remote(op, err)
}

func (a *Aggregator) refreshAfter(ctx context.Context) {
	if err := a.Refresh(ctx); err != nil {
		a.log.Debug().Err(err).Msg("refresh after mutation failed")
	}
}

// CreateDM returns the direct conversation with otherUserID, creating it once.
func (a *Aggregator) CreateDM(ctx context.Context, otherUserID string) (models.Conversation, error) {
	otherUserID = strings.TrimSpace(otherUserID)
	if otherUserID == "" {
		return models.Conversation{}, apperrors.Validation("user id is required")
	}
	if otherUserID == a.userID {
		return models.Conversation{}, apperrors.Validation("cannot start a conversation with yourself")
	}

	a.dmMu.Lock()
	defer a.dmMu.Unlock()

	ctx, span := tracer.Start(ctx, "conversations.CreateDM")
	defer span.End()

	existing, err := a.convs.FindDirect(ctx, a.userID, otherUserID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repositories.ErrConversationNotFound) {
		return models.Conversation{}, a.remoteErr("find direct conversation", err)
	}

	conv, err := a.convs.CreateConversation(ctx, models.Conversation{Type: models.ConversationDirect, CreatedBy: a.userID}, []models.Member{
		{UserID: a.userID},
		{UserID: otherUserID},
	})
	if err != nil {
		return models.Conversation{}, a.remoteErr("create direct conversation", err)
	}
	a.refreshAfter(ctx)
	return conv, nil
}

func uniqueMembers(ids []string, exclude string) []string {
	seen := map[string]bool{exclude: true}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func validateGroupName(name string) error {
	if utf8.RuneCountInString(name) < GroupNameMinLength {
		return apperrors.Validation("group name must be at least %d characters", GroupNameMinLength)
	}
	return nil
}

// CreateGroup creates a group with the caller as admin. The avatar is
// validated before anything is written and removed again if the group
// cannot be created.
func (a *Aggregator) CreateGroup(ctx context.Context, in GroupInput) (models.Conversation, error) {
	name := strings.TrimSpace(in.Name)
	if err := validateGroupName(name); err != nil {
		return models.Conversation{}, err
	}
	memberIDs := uniqueMembers(in.MemberIDs, a.userID)
	if len(memberIDs)+1 > GroupMaxMembers {
		return models.Conversation{}, apperrors.Validation("a group can have at most %d members", GroupMaxMembers)
	}
	if in.Avatar != nil {
		if err := a.uploads.Validate(*in.Avatar); err != nil {
			return models.Conversation{}, err
		}
	}

	ctx, span := tracer.Start(ctx, "conversations.CreateGroup")
	defer span.End()

	conv := models.Conversation{
		ID:        uuid.NewString(),
		Type:      models.ConversationGroup,
		Name:      &name,
		CreatedBy: a.userID,
	}
	if desc := strings.TrimSpace(in.Description); desc != "" {
		conv.Description = &desc
	}

	var avatarPath string
	if in.Avatar != nil {
		res, err := a.uploads.UploadGroupAvatar(ctx, *in.Avatar, conv.ID)
		if err != nil {
			return models.Conversation{}, err
		}
		avatarPath = res.Path
		conv.AvatarURL = &res.URL
	}

	members := make([]models.Member, 0, len(memberIDs)+1)
	members = append(members, models.Member{UserID: a.userID, IsAdmin: true})
	for _, id := range memberIDs {
		members = append(members, models.Member{UserID: id})
	}

	created, err := a.convs.CreateConversation(ctx, conv, members)
	if err != nil {
		if avatarPath != "" {
			if rmErr := a.uploads.Remove(context.Background(), avatarPath); rmErr != nil {
				a.log.Warn().Err(rmErr).Str("path", avatarPath).Msg("orphan avatar cleanup failed")
			}
		}
		return models.Conversation{}, a.remoteErr("create group", err)
	}
	a.refreshAfter(ctx)
	return created, nil
}

// requireAdmin checks that conversationID is a group the caller administers.
// Membership is always read from the store, so a stale list cannot grant rights.
func (a *Aggregator) requireAdmin(ctx context.Context, conversationID string) error {
	var typ models.ConversationType
	if s, ok := a.Summary(conversationID); ok {
		typ = s.Type
	} else {
		found, err := a.convs.ListConversations(ctx, []string{conversationID})
		if err != nil {
			return a.remoteErr("load conversation", err)
		}
		if len(found) == 0 {
			return apperrors.NotFound("conversation not found")
		}
		typ = found[0].Type
	}
	if typ != models.ConversationGroup {
		return apperrors.Validation("conversation is not a group")
	}

	m, err := a.convs.GetMember(ctx, conversationID, a.userID)
	if errors.Is(err, repositories.ErrMemberNotFound) {
		return apperrors.Permission("not a member of this group")
	}
	if err != nil {
		return a.remoteErr("load membership", err)
	}
	if !m.IsAdmin {
		return apperrors.Permission("only group admins can do this")
	}
	return nil
}

// UpdateGroup applies a partial edit. A new avatar overwrites the one stored for the group.
func (a *Aggregator) UpdateGroup(ctx context.Context, conversationID string, in GroupUpdate) error {
	var update models.ConversationUpdate
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if err := validateGroupName(name); err != nil {
			return err
		}
		update.Name = &name
	}
	if in.Description != nil {
		desc := strings.TrimSpace(*in.Description)
		update.Description = &desc
	}
	if in.Avatar == nil && update.Empty() {
		return apperrors.Validation("nothing to update")
	}
	if in.Avatar != nil {
		if err := a.uploads.Validate(*in.Avatar); err != nil {
			return err
		}
	}

	ctx, span := tracer.Start(ctx, "conversations.UpdateGroup")
	defer span.End()

	if err := a.requireAdmin(ctx, conversationID); err != nil {
		return err
	}

	if in.Avatar != nil {
		res, err := a.uploads.UploadGroupAvatar(ctx, *in.Avatar, conversationID)
		if err != nil {
			return err
		}
		update.AvatarURL = &res.URL
	}

	if err := a.convs.UpdateConversation(ctx, conversationID, update); err != nil {
		return a.remoteErr("update group", err)
	}
	a.refreshAfter(ctx)
	return nil
}

// AddMember adds userID to a group as a regular member.
func (a *Aggregator) AddMember(ctx context.Context, conversationID, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return apperrors.Validation("user id is required")
	}

	ctx, span := tracer.Start(ctx, "conversations.AddMember")
	defer span.End()

	if err := a.requireAdmin(ctx, conversationID); err != nil {
		return err
	}
	if s, ok := a.Summary(conversationID); ok && s.MemberCount >= GroupMaxMembers {
		return apperrors.Validation("a group can have at most %d members", GroupMaxMembers)
	}

	if err := a.convs.AddMembers(ctx, []models.Member{{ConversationID: conversationID, UserID: userID}}); err != nil {
		return a.remoteErr("add member", err)
	}
	a.refreshAfter(ctx)
	return nil
}

// RemoveMember removes userID from a group. Removing oneself is leaving.
func (a *Aggregator) RemoveMember(ctx context.Context, conversationID, userID string) error {
	if userID != a.userID {
		if err := a.requireAdmin(ctx, conversationID); err != nil {
			return err
		}
	}
	return a.removeMember(ctx, conversationID, userID)
}

// LeaveGroup removes the caller from a group.
func (a *Aggregator) LeaveGroup(ctx context.Context, conversationID string) error {
	return a.removeMember(ctx, conversationID, a.userID)
}

func (a *Aggregator) removeMember(ctx context.Context, conversationID, userID string) error {
	ctx, span := tracer.Start(ctx, "conversations.RemoveMember")
	defer span.End()

	if err := a.convs.RemoveMember(ctx, conversationID, userID); err != nil {
		return a.remoteErr("remove member", err)
	}
	a.refreshAfter(ctx)
	return nil
}

// DeleteGroup deletes a group with its members and messages.
func (a *Aggregator) DeleteGroup(ctx context.Context, conversationID string) error {
	ctx, span := tracer.Start(ctx, "conversations.DeleteGroup")
	defer span.End()

	if err := a.requireAdmin(ctx, conversationID); err != nil {
		return err
	}

	if err := a.convs.DeleteConversation(ctx, conversationID); err != nil {
		return a.remoteErr("delete group", err)
	}
	a.refreshAfter(ctx)
	return nil
}
