package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chatsync/internal/models"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrNotMember       = errors.New("sender is not a conversation member")
)

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	ListPage(ctx context.Context, conversationID string, before *models.Cursor, limit int) ([]models.Message, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	CreateMessage(ctx context.Context, msg models.Message) error
	DeleteForEveryone(ctx context.Context, messageID string, userID string) error
	ListLatest(ctx context.Context, conversationIDs []string) ([]models.Message, error)
	ListFromOthers(ctx context.Context, conversationIDs []string, userID string) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, conversation_id, user_id, message_type, content, media_url, reply_to, is_deleted, created_at`

// ListPage returns up to limit messages older than before, newest first, with sender and reply previews.
func (r *MessageRepo) ListPage(ctx context.Context, conversationID string, before *models.Cursor, limit int) ([]models.Message, error) {
	var (
		msgs []models.Message
		err  error
	)
	if before == nil {
		err = r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
            WHERE conversation_id=$1
            ORDER BY created_at DESC, id DESC
            LIMIT $2`, conversationID, limit)
	} else {
		err = r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
            WHERE conversation_id=$1 AND (created_at, id) < ($2, $3::uuid)
            ORDER BY created_at DESC, id DESC
            LIMIT $4`, conversationID, before.CreatedAt, before.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	if err := r.enrich(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// GetMessage retrieves a single message with its sender and reply preview.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	msgs := []models.Message{msg}
	if err := r.enrich(ctx, msgs); err != nil {
		return models.Message{}, err
	}
	return msgs[0], nil
}

// CreateMessage stores a message under its client-generated id when the sender
// is a member of the conversation. Re-inserting the same id is a no-op.
func (r *MessageRepo) CreateMessage(ctx context.Context, msg models.Message) error {
	res, err := r.db.ExecContext(ctx, `INSERT INTO messages (id, conversation_id, user_id, message_type, content, media_url, reply_to)
        SELECT $1::uuid, $2::uuid, $3::uuid, $4, $5, $6, $7::uuid
        WHERE EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id=$2::uuid AND user_id=$3::uuid)
        ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.ConversationID, msg.UserID, msg.Type, msg.Content, msg.MediaURL, msg.ReplyToID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	var member bool
	if err := r.db.GetContext(ctx, &member, `SELECT EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id=$1 AND user_id=$2)`,
		msg.ConversationID, msg.UserID); err != nil {
		return err
	}
	if !member {
		return ErrNotMember
	}
	return nil
}

// DeleteForEveryone flags a message deleted and clears its content (author only).
func (r *MessageRepo) DeleteForEveryone(ctx context.Context, messageID string, userID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET is_deleted = TRUE, content = '' WHERE id=$1 AND user_id=$2`, messageID, userID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// ListLatest returns the most recent message of each conversation in one query.
func (r *MessageRepo) ListLatest(ctx context.Context, conversationIDs []string) ([]models.Message, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT DISTINCT ON (conversation_id) `+messageColumns+` FROM messages
        WHERE conversation_id = ANY($1)
        ORDER BY conversation_id, created_at DESC, id DESC`, pq.Array(conversationIDs))
	return msgs, err
}

// ListFromOthers returns the messages in the given conversations not authored by userID.
func (r *MessageRepo) ListFromOthers(ctx context.Context, conversationIDs []string, userID string) ([]models.Message, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id = ANY($1) AND user_id <> $2
        ORDER BY created_at DESC, id DESC`, pq.Array(conversationIDs), userID)
	return msgs, err
}

// enrich resolves sender profiles and reply previews with one query each.
func (r *MessageRepo) enrich(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	senderSet := map[string]struct{}{}
	senderIDs := make([]string, 0, len(msgs))
	replyIDs := make([]string, 0)
	for _, m := range msgs {
		if _, ok := senderSet[m.UserID]; !ok {
			senderSet[m.UserID] = struct{}{}
			senderIDs = append(senderIDs, m.UserID)
		}
		if m.ReplyToID != nil {
			replyIDs = append(replyIDs, *m.ReplyToID)
		}
	}

	var profiles []models.Profile
	if err := r.db.SelectContext(ctx, &profiles, `SELECT `+profileColumns+` FROM profiles WHERE id = ANY($1)`, pq.Array(senderIDs)); err != nil {
		return err
	}
	profileByID := make(map[string]models.Profile, len(profiles))
	for _, p := range profiles {
		profileByID[p.ID] = p
	}

	previewByID := map[string]models.MessagePreview{}
	if len(replyIDs) > 0 {
		var previews []models.MessagePreview
		if err := r.db.SelectContext(ctx, &previews, `SELECT id, user_id, content, message_type FROM messages WHERE id = ANY($1)`, pq.Array(replyIDs)); err != nil {
			return err
		}
		for _, p := range previews {
			previewByID[p.ID] = p
		}
	}

	for i := range msgs {
		if p, ok := profileByID[msgs[i].UserID]; ok {
			sender := p
			msgs[i].Sender = &sender
		}
		if msgs[i].ReplyToID != nil {
			if p, ok := previewByID[*msgs[i].ReplyToID]; ok {
				preview := p
				msgs[i].ReplyTo = &preview
			}
		}
	}
	return nil
}
