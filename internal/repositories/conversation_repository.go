package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chatsync/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMemberNotFound       = errors.New("member not found")
)

// ConversationRepository abstracts conversation and membership persistence.
type ConversationRepository interface {
	ListMemberships(ctx context.Context, userID string) ([]models.Member, error)
	ListConversations(ctx context.Context, ids []string) ([]models.Conversation, error)
	ListMembers(ctx context.Context, conversationIDs []string) ([]models.Member, error)
	GetMember(ctx context.Context, conversationID string, userID string) (models.Member, error)
	FindDirect(ctx context.Context, userID string, otherUserID string) (models.Conversation, error)
	CreateConversation(ctx context.Context, conv models.Conversation, members []models.Member) (models.Conversation, error)
	AddMembers(ctx context.Context, members []models.Member) error
	UpdateConversation(ctx context.Context, id string, update models.ConversationUpdate) error
	RemoveMember(ctx context.Context, conversationID string, userID string) error
	DeleteConversation(ctx context.Context, id string) error
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

const conversationColumns = `c.id, c.type, c.name, c.description, c.avatar_url, c.created_by, c.created_at, c.updated_at`

// ListMemberships returns the membership rows of a user.
func (r *ConversationRepo) ListMemberships(ctx context.Context, userID string) ([]models.Member, error) {
	var members []models.Member
	err := r.db.SelectContext(ctx, &members, `SELECT conversation_id, user_id, is_admin FROM conversation_members WHERE user_id=$1`, userID)
	return members, err
}

// ListConversations loads conversations by id, most recently active first.
func (r *ConversationRepo) ListConversations(ctx context.Context, ids []string) ([]models.Conversation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var convs []models.Conversation
	err := r.db.SelectContext(ctx, &convs, `SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ANY($1) ORDER BY c.updated_at DESC`, pq.Array(ids))
	return convs, err
}

type memberRow struct {
	ConversationID string     `db:"conversation_id"`
	UserID         string     `db:"user_id"`
	IsAdmin        bool       `db:"is_admin"`
	Username       string     `db:"username"`
	DisplayName    string     `db:"display_name"`
	AvatarURL      *string    `db:"avatar_url"`
	IsOnline       bool       `db:"is_online"`
	LastSeen       *time.Time `db:"last_seen"`
}

// ListMembers loads the members of several conversations together with their profiles.
func (r *ConversationRepo) ListMembers(ctx context.Context, conversationIDs []string) ([]models.Member, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	query := `SELECT cm.conversation_id, cm.user_id, cm.is_admin, p.username, p.display_name, p.avatar_url, p.is_online, p.last_seen
        FROM conversation_members cm
        JOIN profiles p ON p.id = cm.user_id
        WHERE cm.conversation_id = ANY($1)
        ORDER BY cm.joined_at ASC`
	var rows []memberRow
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(conversationIDs)); err != nil {
		return nil, err
	}

	members := make([]models.Member, 0, len(rows))
	for _, row := range rows {
		members = append(members, models.Member{
			ConversationID: row.ConversationID,
			UserID:         row.UserID,
			IsAdmin:        row.IsAdmin,
			Profile: &models.Profile{
				ID:          row.UserID,
				Username:    row.Username,
				DisplayName: row.DisplayName,
				AvatarURL:   row.AvatarURL,
				IsOnline:    row.IsOnline,
				LastSeen:    row.LastSeen,
			},
		})
	}
	return members, nil
}

// GetMember fetches a single membership row.
func (r *ConversationRepo) GetMember(ctx context.Context, conversationID string, userID string) (models.Member, error) {
	var member models.Member
	err := r.db.GetContext(ctx, &member, `SELECT conversation_id, user_id, is_admin FROM conversation_members WHERE conversation_id=$1 AND user_id=$2`, conversationID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Member{}, ErrMemberNotFound
	}
	return member, err
}

// FindDirect returns the direct conversation shared by both users.
func (r *ConversationRepo) FindDirect(ctx context.Context, userID string, otherUserID string) (models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations c
        JOIN conversation_members a ON a.conversation_id = c.id AND a.user_id = $1
        JOIN conversation_members b ON b.conversation_id = c.id AND b.user_id = $2
        WHERE c.type = 'direct'
        ORDER BY c.created_at ASC
        LIMIT 1`
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, query, userID, otherUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// CreateConversation creates a conversation and its members atomically. An empty ID is generated by the database.
func (r *ConversationRepo) CreateConversation(ctx context.Context, conv models.Conversation, members []models.Member) (models.Conversation, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var created models.Conversation
	if err = tx.QueryRowxContext(ctx, `INSERT INTO conversations (id, type, name, description, avatar_url, created_by)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6)
        RETURNING id, type, name, description, avatar_url, created_by, created_at, updated_at`,
		conv.ID, conv.Type, conv.Name, conv.Description, conv.AvatarURL, conv.CreatedBy).StructScan(&created); err != nil {
		return models.Conversation{}, err
	}

	for _, m := range members {
		if _, err = tx.ExecContext(ctx, `INSERT INTO conversation_members (conversation_id, user_id, is_admin) VALUES ($1, $2, $3)
            ON CONFLICT (conversation_id, user_id) DO NOTHING`, created.ID, m.UserID, m.IsAdmin); err != nil {
			return models.Conversation{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	return created, nil
}

// AddMembers inserts membership rows; existing rows are left as they are.
func (r *ConversationRepo) AddMembers(ctx context.Context, members []models.Member) error {
	for _, m := range members {
		if _, err := r.db.ExecContext(ctx, `INSERT INTO conversation_members (conversation_id, user_id, is_admin) VALUES ($1, $2, $3)
            ON CONFLICT (conversation_id, user_id) DO NOTHING`, m.ConversationID, m.UserID, m.IsAdmin); err != nil {
			return err
		}
	}
	return nil
}

// UpdateConversation applies the non-nil fields of update.
func (r *ConversationRepo) UpdateConversation(ctx context.Context, id string, update models.ConversationUpdate) error {
	res, err := r.db.ExecContext(ctx, `UPDATE conversations SET
            name = COALESCE($2, name),
            description = COALESCE($3, description),
            avatar_url = COALESCE($4, avatar_url),
            updated_at = NOW()
        WHERE id=$1`, id, update.Name, update.Description, update.AvatarURL)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// RemoveMember deletes a membership row.
func (r *ConversationRepo) RemoveMember(ctx context.Context, conversationID string, userID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM conversation_members WHERE conversation_id=$1 AND user_id=$2`, conversationID, userID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// DeleteConversation removes a conversation; members and messages cascade.
func (r *ConversationRepo) DeleteConversation(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE id=$1`, id)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrConversationNotFound
	}
	return nil
}
