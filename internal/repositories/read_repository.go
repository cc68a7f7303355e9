package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ReadRepository stores read receipts.
type ReadRepository interface {
	MarkRead(ctx context.Context, userID string, messageIDs []string) error
	ListRead(ctx context.Context, userID string, messageIDs []string) ([]string, error)
}

// ReadRepo is a sqlx implementation of ReadRepository.
type ReadRepo struct {
	db *sqlx.DB
}

// NewReadRepo constructs a ReadRepo.
func NewReadRepo(db *sqlx.DB) *ReadRepo {
	return &ReadRepo{db: db}
}

// MarkRead upserts read marks; already-read messages are left untouched.
func (r *ReadRepo) MarkRead(ctx context.Context, userID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO message_reads (message_id, user_id)
        SELECT id, $2 FROM unnest($1::uuid[]) AS id
        ON CONFLICT (message_id, user_id) DO NOTHING`, pq.Array(messageIDs), userID)
	return err
}

// ListRead returns which of messageIDs the user has read.
func (r *ReadRepo) ListRead(ctx context.Context, userID string, messageIDs []string) ([]string, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `SELECT message_id FROM message_reads WHERE user_id=$1 AND message_id = ANY($2)`, userID, pq.Array(messageIDs))
	return ids, err
}
