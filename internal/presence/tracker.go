package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"chatsync/internal/apperrors"
	"chatsync/internal/models"
	"chatsync/internal/observability"
	"chatsync/internal/realtime"
	"chatsync/internal/repositories"
)

const typingEvent = "typing"

var tracer = otel.Tracer("chatsync/presence")

// TypingChannel names the broadcast channel carrying typing events of a conversation.
func TypingChannel(conversationID string) string {
	return "typing:" + conversationID
}

// Config holds the presence timings.
type Config struct {
	Heartbeat     time.Duration
	TypingTimeout time.Duration
	// RemoteTypingTTL drops received typing entries older than this. Zero keeps them until a stop event.
	RemoteTypingTTL time.Duration
}

// Members looks up conversation membership.
type Members interface {
	GetMember(ctx context.Context, conversationID, userID string) (models.Member, error)
}

// State is a snapshot of the tracker.
type State struct {
	Status models.Status `json:"status"`
	Online []string      `json:"online"`
	Error  string        `json:"error,omitempty"`
}

// Tracker advertises the local user's liveness, follows peers' liveness and
// runs the typing protocol for the active conversation.
type Tracker struct {
	userID   string
	profiles repositories.ProfileRepository
	members  Members
	feed     realtime.Feed
	bus      realtime.Bus
	cfg      Config
	now      func() time.Time
	log      zerolog.Logger

	mu           sync.Mutex
	status       models.Status
	err          string
	online       map[string]bool
	typing       map[string]map[string]*time.Timer
	active       string
	stopTimers   map[string]*time.Timer
	cancelTyping func()
	cancelFeed   func()
	cancelBeat   context.CancelFunc
	beatDone     chan struct{}
	onChange     func()
}

// NewTracker creates an idle tracker for userID.
func NewTracker(userID string, profiles repositories.ProfileRepository, members Members, feed realtime.Feed, bus realtime.Bus, cfg Config, logger zerolog.Logger) *Tracker {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = 3 * time.Second
	}
	return &Tracker{
		userID:     userID,
		profiles:   profiles,
		members:    members,
		feed:       feed,
		bus:        bus,
		cfg:        cfg,
		now:        time.Now,
		log:        logger.With().Str("component", "presence").Str("user_id", userID).Logger(),
		status:     models.StatusIdle,
		online:     map[string]bool{},
		typing:     map[string]map[string]*time.Timer{},
		stopTimers: map[string]*time.Timer{},
	}
}

// OnChange registers a callback invoked after every state change.
func (t *Tracker) OnChange(fn func()) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

func (t *Tracker) notify() {
	t.mu.Lock()
	fn := t.onChange
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Start marks the user online, seeds the presence set and begins the heartbeat.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.cancelBeat != nil {
		t.mu.Unlock()
		return nil
	}
	t.status = models.StatusLoading
	t.cancelFeed = t.feed.Subscribe(realtime.Subscription{
		Table:   "profiles",
		Ops:     []realtime.Op{realtime.OpUpdate},
		Handler: t.handleProfileChange,
	})
	beatCtx, cancel := context.WithCancel(context.Background())
	t.cancelBeat = cancel
	t.beatDone = make(chan struct{})
	t.mu.Unlock()

	beatErr := t.beat(ctx)
	go t.heartbeat(beatCtx)

	ctx, span := tracer.Start(ctx, "presence.Seed")
	start := time.Now()
	ids, err := t.profiles.ListOnlineIDs(ctx)
	observability.ObserveRemote("presence", "list_online", start)
	span.End()

	t.mu.Lock()
	if err != nil {
		t.status = models.StatusError
		t.err = err.Error()
	} else {
		for _, id := range ids {
			t.online[id] = true
		}
		t.status = models.StatusReady
		t.err = ""
		if beatErr != nil {
			t.err = beatErr.Error()
		}
	}
	if beatErr == nil {
		t.online[t.userID] = true
	}
	t.mu.Unlock()
	t.notify()

	if err != nil {
		t.log.Warn().Err(err).Msg("seed online users failed")
		return apperrors.Remote("list online users", err)
	}
	return beatErr
}

func (t *Tracker) beat(ctx context.Context) error {
	start := time.Now()
	err := t.profiles.SetPresence(ctx, t.userID, true, t.now().UTC())
	observability.ObserveRemote("presence", "heartbeat", start)
	if err != nil {
		t.log.Warn().Err(err).Msg("heartbeat failed")
		return apperrors.Remote("heartbeat", err)
	}
	return nil
}

func (t *Tracker) heartbeat(ctx context.Context) {
	defer close(t.beatDone)
	ticker := time.NewTicker(t.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = t.beat(ctx)
		}
	}
}

// Stop ends the heartbeat, releases subscriptions and timers, and marks the
// user offline. The offline write is best effort.
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	cancelBeat, done := t.cancelBeat, t.beatDone
	cancelFeed, cancelTyping := t.cancelFeed, t.cancelTyping
	t.cancelBeat, t.beatDone, t.cancelFeed, t.cancelTyping = nil, nil, nil, nil
	for conv, timer := range t.stopTimers {
		timer.Stop()
		delete(t.stopTimers, conv)
	}
	for conv := range t.typing {
		t.clearTypingLocked(conv)
	}
	t.active = ""
	t.status = models.StatusIdle
	t.mu.Unlock()

	if cancelBeat == nil {
		return
	}
	cancelBeat()
	<-done
	if cancelFeed != nil {
		cancelFeed()
	}
	if cancelTyping != nil {
		cancelTyping()
	}
	if err := t.profiles.SetPresence(ctx, t.userID, false, t.now().UTC()); err != nil {
		t.log.Warn().Err(err).Msg("offline write failed")
	}
}

func (t *Tracker) handleProfileChange(c realtime.Change) {
	var p models.Profile
	if err := c.Decode(&p); err != nil || p.ID == "" {
		t.log.Debug().Err(err).Msg("ignoring profile change")
		return
	}
	t.mu.Lock()
	changed := t.online[p.ID] != p.IsOnline
	if p.IsOnline {
		t.online[p.ID] = true
	} else {
		delete(t.online, p.ID)
	}
	t.mu.Unlock()
	if changed {
		t.notify()
	}
}

// IsOnline reports whether userID is in the presence set.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[userID]
}

// OnlineUsers returns the presence set, sorted.
func (t *Tracker) OnlineUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onlineLocked()
}

func (t *Tracker) onlineLocked() []string {
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State{Status: t.status, Online: t.onlineLocked(), Error: t.err}
}

// SetActiveConversation moves the typing subscription to conversationID.
// An empty id leaves no conversation active. Only members may follow a
// conversation's typing channel.
func (t *Tracker) SetActiveConversation(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	if t.active == conversationID && (conversationID == "" || t.cancelTyping != nil) {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if conversationID != "" {
		if err := t.checkMember(ctx, conversationID); err != nil {
			return err
		}
	}

	t.mu.Lock()
	prev := t.cancelTyping
	t.clearTypingLocked(t.active)
	t.active = conversationID
	t.cancelTyping = nil
	t.mu.Unlock()

	if prev != nil {
		prev()
	}
	if conversationID == "" {
		t.notify()
		return nil
	}

	cancel, err := t.bus.Subscribe(ctx, TypingChannel(conversationID), func(b realtime.Broadcast) {
		t.handleTyping(conversationID, b)
	})
	if err != nil {
		t.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("typing subscribe failed")
		return apperrors.Remote("subscribe typing", err)
	}

	t.mu.Lock()
	if t.active != conversationID {
		t.mu.Unlock()
		cancel()
		return nil
	}
	t.cancelTyping = cancel
	t.mu.Unlock()
	t.notify()
	return nil
}

func (t *Tracker) checkMember(ctx context.Context, conversationID string) error {
	ctx, span := tracer.Start(ctx, "presence.checkMember")
	defer span.End()

	start := time.Now()
	_, err := t.members.GetMember(ctx, conversationID, t.userID)
	observability.ObserveRemote("presence", "get_member", start)
	if errors.Is(err, repositories.ErrMemberNotFound) {
		return apperrors.Permission("not a member of this conversation")
	}
	if err != nil {
		span.RecordError(err)
		return apperrors.Remote("check membership", err)
	}
	return nil
}

// clearTypingLocked drops the received typing entries of conversationID
// together with their expiry timers. Caller holds mu.
func (t *Tracker) clearTypingLocked(conversationID string) {
	for _, timer := range t.typing[conversationID] {
		if timer != nil {
			timer.Stop()
		}
	}
	delete(t.typing, conversationID)
}

func (t *Tracker) handleTyping(conversationID string, b realtime.Broadcast) {
	if b.Event != typingEvent {
		return
	}
	var ev models.TypingEvent
	if err := json.Unmarshal(b.Payload, &ev); err != nil {
		t.log.Debug().Err(err).Msg("malformed typing event")
		return
	}
	if ev.UserID == "" || ev.UserID == t.userID {
		return
	}

	t.mu.Lock()
	if t.active != conversationID {
		t.mu.Unlock()
		return
	}
	users := t.typing[conversationID]
	if users == nil {
		users = map[string]*time.Timer{}
		t.typing[conversationID] = users
	}
	if prev := users[ev.UserID]; prev != nil {
		prev.Stop()
	}
	if ev.IsTyping {
		users[ev.UserID] = t.expireTyping(conversationID, ev.UserID)
	} else {
		delete(users, ev.UserID)
	}
	t.mu.Unlock()
	t.notify()
}

// expireTyping arms the timer that drops a received typing entry once it
// outlives RemoteTypingTTL. It returns nil when entries never expire.
func (t *Tracker) expireTyping(conversationID, userID string) *time.Timer {
	if t.cfg.RemoteTypingTTL <= 0 {
		return nil
	}
	var timer *time.Timer
	timer = time.AfterFunc(t.cfg.RemoteTypingTTL, func() {
		t.mu.Lock()
		users := t.typing[conversationID]
		if users == nil || users[userID] != timer {
			t.mu.Unlock()
			return
		}
		delete(users, userID)
		t.mu.Unlock()
		t.notify()
	})
	return timer
}

// SetTyping broadcasts the local user's typing state. A start arms a timer
// that broadcasts a stop unless SetTyping is called again first. Membership
// was already checked for the active conversation; any other one is checked
// on every call.
func (t *Tracker) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	if conversationID == "" {
		return apperrors.Validation("conversation id is required")
	}

	t.mu.Lock()
	verified := t.active == conversationID && t.cancelTyping != nil
	t.mu.Unlock()
	if !verified {
		if err := t.checkMember(ctx, conversationID); err != nil {
			return err
		}
	}

	t.mu.Lock()
	if timer, ok := t.stopTimers[conversationID]; ok {
		timer.Stop()
		delete(t.stopTimers, conversationID)
	}
	if isTyping {
		var timer *time.Timer
		timer = time.AfterFunc(t.cfg.TypingTimeout, func() {
			t.mu.Lock()
			if t.stopTimers[conversationID] != timer {
				t.mu.Unlock()
				return
			}
			delete(t.stopTimers, conversationID)
			t.mu.Unlock()
			if err := t.publishTyping(context.Background(), conversationID, false); err != nil {
				t.log.Warn().Err(err).Msg("typing auto-stop failed")
			}
		})
		t.stopTimers[conversationID] = timer
	}
	t.mu.Unlock()

	return t.publishTyping(ctx, conversationID, isTyping)
}

func (t *Tracker) publishTyping(ctx context.Context, conversationID string, isTyping bool) error {
	err := t.bus.Publish(ctx, TypingChannel(conversationID), typingEvent, models.TypingEvent{UserID: t.userID, IsTyping: isTyping})
	if err != nil {
		return apperrors.Remote("publish typing", err)
	}
	return nil
}

// Typing returns the peers currently typing in conversationID, sorted.
func (t *Tracker) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.typing[conversationID]))
	for id := range t.typing[conversationID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
