package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chatsync/internal/models"
)

const profileColumns = `id, username, display_name, avatar_url, is_online, last_seen`

// ProfileRepository reads profiles and writes the caller's own presence columns.
type ProfileRepository interface {
	GetProfiles(ctx context.Context, ids []string) ([]models.Profile, error)
	ListOnlineIDs(ctx context.Context) ([]string, error)
	SetPresence(ctx context.Context, userID string, online bool, at time.Time) error
}

// ProfileRepo is a sqlx implementation of ProfileRepository.
type ProfileRepo struct {
	db *sqlx.DB
}

// NewProfileRepo constructs a ProfileRepo.
func NewProfileRepo(db *sqlx.DB) *ProfileRepo {
	return &ProfileRepo{db: db}
}

// GetProfiles loads profiles by id. Ids that are not uuids match nothing.
func (r *ProfileRepo) GetProfiles(ctx context.Context, ids []string) ([]models.Profile, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return nil, nil
	}
	var profiles []models.Profile
	err := r.db.SelectContext(ctx, &profiles, `SELECT `+profileColumns+` FROM profiles WHERE id = ANY($1::uuid[])`, pq.Array(valid))
	return profiles, err
}

// ListOnlineIDs returns the ids of users currently flagged online.
func (r *ProfileRepo) ListOnlineIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `SELECT id FROM profiles WHERE is_online = TRUE`)
	return ids, err
}

// SetPresence stamps the online flag and last_seen of a user.
func (r *ProfileRepo) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE profiles SET is_online=$2, last_seen=$3 WHERE id=$1`, userID, online, at)
	return err
}
