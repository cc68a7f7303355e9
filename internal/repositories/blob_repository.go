package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chatsync/internal/models"
)

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrBlobExists   = errors.New("blob already exists")
)

// BlobRepository stores media objects by path.
type BlobRepository interface {
	PutBlob(ctx context.Context, blob models.Blob, upsert bool) error
	GetBlob(ctx context.Context, path string) (models.Blob, error)
	DeleteBlob(ctx context.Context, path string) error
}

// BlobRepo keeps blobs in a Postgres bytea table.
type BlobRepo struct {
	db *sqlx.DB
}

// NewBlobRepo constructs a BlobRepo.
func NewBlobRepo(db *sqlx.DB) *BlobRepo {
	return &BlobRepo{db: db}
}

// PutBlob writes a blob. Without upsert an existing path is rejected with ErrBlobExists.
func (r *BlobRepo) PutBlob(ctx context.Context, blob models.Blob, upsert bool) error {
	if upsert {
		_, err := r.db.ExecContext(ctx, `INSERT INTO blobs (path, content_type, data) VALUES ($1, $2, $3)
            ON CONFLICT (path) DO UPDATE SET content_type = EXCLUDED.content_type, data = EXCLUDED.data, created_at = NOW()`,
			blob.Path, blob.ContentType, blob.Data)
		return err
	}
	res, err := r.db.ExecContext(ctx, `INSERT INTO blobs (path, content_type, data) VALUES ($1, $2, $3)
        ON CONFLICT (path) DO NOTHING`, blob.Path, blob.ContentType, blob.Data)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrBlobExists
	}
	return nil
}

// GetBlob reads a blob by path.
func (r *BlobRepo) GetBlob(ctx context.Context, path string) (models.Blob, error) {
	var blob models.Blob
	err := r.db.GetContext(ctx, &blob, `SELECT path, content_type, data FROM blobs WHERE path=$1`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Blob{}, ErrBlobNotFound
	}
	return blob, err
}

// DeleteBlob removes a blob; deleting a missing path is not an error.
func (r *BlobRepo) DeleteBlob(ctx context.Context, path string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM blobs WHERE path=$1`, path)
	return err
}
