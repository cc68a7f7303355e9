package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chatsync/internal/models"
)

var ErrStoryNotFound = errors.New("story not found")

// StoryRepository defines story and story view persistence.
type StoryRepository interface {
	ListActive(ctx context.Context, now time.Time) ([]models.Story, error)
	CreateStory(ctx context.Context, story models.Story) (models.Story, error)
	UpsertView(ctx context.Context, storyID string, viewerID string) error
	DeleteStory(ctx context.Context, storyID string, userID string) error
}

// StoryRepo is a sqlx implementation of StoryRepository.
type StoryRepo struct {
	db *sqlx.DB
}

// NewStoryRepo constructs a StoryRepo.
func NewStoryRepo(db *sqlx.DB) *StoryRepo {
	return &StoryRepo{db: db}
}

const storyColumns = `id, user_id, content, media_url, created_at, expires_at`

// ListActive returns stories with expires_at after now, oldest first, with authors and views.
func (r *StoryRepo) ListActive(ctx context.Context, now time.Time) ([]models.Story, error) {
	var stories []models.Story
	if err := r.db.SelectContext(ctx, &stories, `SELECT `+storyColumns+` FROM stories WHERE expires_at > $1 ORDER BY created_at ASC, id ASC`, now); err != nil {
		return nil, err
	}
	if len(stories) == 0 {
		return stories, nil
	}

	storyIDs := make([]string, 0, len(stories))
	authorSet := map[string]struct{}{}
	authorIDs := make([]string, 0)
	for _, s := range stories {
		storyIDs = append(storyIDs, s.ID)
		if _, ok := authorSet[s.UserID]; !ok {
			authorSet[s.UserID] = struct{}{}
			authorIDs = append(authorIDs, s.UserID)
		}
	}

	var views []models.StoryView
	if err := r.db.SelectContext(ctx, &views, `SELECT story_id, viewer_id, viewed_at FROM story_views WHERE story_id = ANY($1)`, pq.Array(storyIDs)); err != nil {
		return nil, err
	}
	viewsByStory := map[string][]models.StoryView{}
	for _, v := range views {
		viewsByStory[v.StoryID] = append(viewsByStory[v.StoryID], v)
	}

	var authors []models.Profile
	if err := r.db.SelectContext(ctx, &authors, `SELECT `+profileColumns+` FROM profiles WHERE id = ANY($1)`, pq.Array(authorIDs)); err != nil {
		return nil, err
	}
	authorByID := make(map[string]models.Profile, len(authors))
	for _, a := range authors {
		authorByID[a.ID] = a
	}

	for i := range stories {
		stories[i].Views = viewsByStory[stories[i].ID]
		if a, ok := authorByID[stories[i].UserID]; ok {
			author := a
			stories[i].Author = &author
		}
	}
	return stories, nil
}

// CreateStory inserts a story with an explicit expiry.
func (r *StoryRepo) CreateStory(ctx context.Context, story models.Story) (models.Story, error) {
	var created models.Story
	err := r.db.QueryRowxContext(ctx, `INSERT INTO stories (user_id, content, media_url, created_at, expires_at) VALUES ($1, $2, $3, $4, $5)
        RETURNING `+storyColumns, story.UserID, story.Content, story.MediaURL, story.CreatedAt, story.ExpiresAt).StructScan(&created)
	return created, err
}

// UpsertView records a view; repeated views keep the first timestamp.
func (r *StoryRepo) UpsertView(ctx context.Context, storyID string, viewerID string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO story_views (story_id, viewer_id) VALUES ($1, $2)
        ON CONFLICT (story_id, viewer_id) DO NOTHING`, storyID, viewerID)
	if missingReference(err) {
		return ErrStoryNotFound
	}
	return err
}

// DeleteStory hard-deletes a story owned by userID.
func (r *StoryRepo) DeleteStory(ctx context.Context, storyID string, userID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM stories WHERE id=$1 AND user_id=$2`, storyID, userID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrStoryNotFound
	}
	return nil
}
