package stories

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

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

const DefaultExpiry = 12 * time.Hour

var tracer = otel.Tracer("chatsync/stories")

// MediaUploader stores story media.
type MediaUploader interface {
	UploadStoryMedia(ctx context.Context, f upload.File, userID string) (upload.Result, error)
	Remove(ctx context.Context, key string) error
}

type Config struct {
	Expiry       time.Duration
	FetchTimeout time.Duration
}

// State is what the UI renders for stories.
type State struct {
	Status models.Status       `json:"status"`
	Groups []models.StoryGroup `json:"groups"`
	Mine   []models.Story      `json:"my_stories"`
	Error  string              `json:"error,omitempty"`
}

// Manager keeps the set of visible stories for one viewer.
type Manager struct {
	userID  string
	repo    repositories.StoryRepository
	uploads MediaUploader
	feed    realtime.Feed
	cfg     Config
	now     func() time.Time
	log     zerolog.Logger

	mu       sync.Mutex
	status   models.Status
	err      string
	stories  []models.Story
	gen      uint64
	cancel   func()
	onChange func()
}

func NewManager(userID string, repo repositories.StoryRepository, uploads MediaUploader, feed realtime.Feed, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	return &Manager{
		userID:  userID,
		repo:    repo,
		uploads: uploads,
		feed:    feed,
		cfg:     cfg,
		now:     time.Now,
		log:     logger.With().Str("component", "stories").Str("user_id", userID).Logger(),
		status:  models.StatusIdle,
	}
}

func (m *Manager) OnChange(fn func()) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

func (m *Manager) notify() {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Start subscribes to story changes and performs the first refresh.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel == nil {
		m.cancel = m.feed.Subscribe(realtime.Subscription{
			Table: "stories",
			Handler: func(realtime.Change) {
				go func() {
					_ = m.Refresh(context.Background())
				}()
			},
		})
	}
	m.mu.Unlock()
	return m.Refresh(ctx)
}

// Stop releases the change subscription.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.gen++
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Refresh reloads all unexpired stories. A refresh superseded by a later one is discarded.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	if m.status != models.StatusReady {
		m.status = models.StatusLoading
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "stories.Refresh")
	defer span.End()

	start := time.Now()
	list, err := m.repo.ListActive(ctx, m.now())
	observability.ObserveRemote("stories", "list_active", start)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		m.status = models.StatusError
		m.err = err.Error()
	} else {
		m.stories = list
		m.status = models.StatusReady
		m.err = ""
	}
	m.mu.Unlock()
	m.notify()

	if err != nil {
		span.RecordError(err)
		m.log.Warn().Err(err).Msg("refresh failed")
		return apperrors.Remote("list stories", err)
	}
	return nil
}

// State groups the currently visible stories.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	groups := GroupStories(m.stories, m.userID, m.now())
	st := State{Status: m.status, Groups: groups, Mine: []models.Story{}, Error: m.err}
	if len(groups) > 0 && groups[0].UserID == m.userID {
		st.Mine = groups[0].Stories
	}
	return st
}

// CreateStory posts a story with optional media. It expires after the configured window.
func (m *Manager) CreateStory(ctx context.Context, content string, media *upload.File) (models.Story, error) {
	content = strings.TrimSpace(content)
	if content == "" && media == nil {
		return models.Story{}, apperrors.Validation("story needs text or media")
	}

	ctx, span := tracer.Start(ctx, "stories.CreateStory")
	defer span.End()

	story := models.Story{UserID: m.userID}
	if content != "" {
		story.Content = &content
	}
	var uploaded *upload.Result
	if media != nil {
		res, err := m.uploads.UploadStoryMedia(ctx, *media, m.userID)
		if err != nil {
			return models.Story{}, err
		}
		uploaded = &res
		story.MediaURL = &res.URL
	}

	now := m.now().UTC()
	story.CreatedAt = now
	story.ExpiresAt = now.Add(m.cfg.Expiry)

	start := time.Now()
	created, err := m.repo.CreateStory(ctx, story)
	observability.ObserveRemote("stories", "create", start)
	if err != nil {
		span.RecordError(err)
		if uploaded != nil {
			if rmErr := m.uploads.Remove(context.Background(), uploaded.Path); rmErr != nil {
				m.log.Warn().Err(rmErr).Str("path", uploaded.Path).Msg("orphan media cleanup failed")
			}
		}
		m.setError(err)
		return models.Story{}, apperrors.Remote("create story", err)
	}

	_ = m.Refresh(ctx)
	return created, nil
}

// ViewStory records that the viewer opened storyID. Repeating it is harmless.
func (m *Manager) ViewStory(ctx context.Context, storyID string) error {
	ctx, span := tracer.Start(ctx, "stories.ViewStory")
	defer span.End()
	span.SetAttributes(attribute.String("story_id", storyID))

	start := time.Now()
	err := m.repo.UpsertView(ctx, storyID, m.userID)
	observability.ObserveRemote("stories", "view", start)
	if errors.Is(err, repositories.ErrStoryNotFound) {
		return apperrors.NotFound("story %s", storyID)
	}
	if err != nil {
		m.setError(err)
		return apperrors.Remote("view story", err)
	}

	m.mu.Lock()
	for i := range m.stories {
		if m.stories[i].ID == storyID && !m.stories[i].ViewedBy(m.userID) {
			m.stories[i].Views = append(m.stories[i].Views, models.StoryView{StoryID: storyID, ViewerID: m.userID, ViewedAt: m.now().UTC()})
		}
	}
	m.mu.Unlock()
	m.notify()
	return nil
}

// DeleteStory removes one of the viewer's own stories.
func (m *Manager) DeleteStory(ctx context.Context, storyID string) error {
	m.mu.Lock()
	for _, s := range m.stories {
		if s.ID == storyID && s.UserID != m.userID {
			m.mu.Unlock()
			return apperrors.Permission("only the author can delete a story")
		}
	}
	m.mu.Unlock()

	ctx, span := tracer.Start(ctx, "stories.DeleteStory")
	defer span.End()

	start := time.Now()
	err := m.repo.DeleteStory(ctx, storyID, m.userID)
	observability.ObserveRemote("stories", "delete", start)
	if errors.Is(err, repositories.ErrStoryNotFound) {
		return apperrors.NotFound("story %s", storyID)
	}
	if err != nil {
		m.setError(err)
		return apperrors.Remote("delete story", err)
	}

	m.mu.Lock()
	kept := m.stories[:0]
	for _, s := range m.stories {
		if s.ID != storyID {
			kept = append(kept, s)
		}
	}
	m.stories = kept
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *Manager) setError(err error) {
	m.mu.Lock()
	m.err = err.Error()
	m.mu.Unlock()
	m.log.Warn().Err(err).Msg("story operation failed")
	m.notify()
}
