package upload

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"chatsync/internal/apperrors"
	"chatsync/internal/models"
	"chatsync/internal/observability"
	"chatsync/internal/repositories"
)

const (
	DefaultMaxBytes int64 = 5 << 20

	BucketChatMedia     = "chat-media"
	BucketProfileImages = "profile-images"
	BucketStoryMedia    = "story-media"
)

var tracer = otel.Tracer("chatsync/upload")

var allowedTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

var allowedExtensions = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"png":  true,
	"gif":  true,
	"webp": true,
}

// File is a binary payload handed to the pipeline.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

func (f File) Size() int64 {
	return int64(len(f.Data))
}

// Options controls a single transfer.
type Options struct {
	Compress bool
	// MaxBytes is the compression target; zero means 1 MiB.
	MaxBytes int64
	Upsert   bool
}

// Result describes a stored object.
type Result struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}

// Pipeline validates, compresses and stores media in the blob store.
type Pipeline struct {
	blobs    repositories.BlobRepository
	baseURL  string
	maxBytes int64
	now      func() time.Time
	log      zerolog.Logger
}

// NewPipeline builds a pipeline serving public URLs under baseURL/media/.
func NewPipeline(blobs repositories.BlobRepository, baseURL string, maxBytes int64, logger zerolog.Logger) *Pipeline {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Pipeline{
		blobs:    blobs,
		baseURL:  strings.TrimRight(baseURL, "/"),
		maxBytes: maxBytes,
		now:      time.Now,
		log:      logger.With().Str("component", "upload").Logger(),
	}
}

// Extension returns the lowercased extension of a file name without the dot.
func Extension(name string) string {
	ext := path.Ext(name)
	if ext == "" {
		return ""
	}
	return strings.ToLower(ext[1:])
}

// Validate rejects empty files, unsupported types and oversized payloads.
func (p *Pipeline) Validate(f File) error {
	if len(f.Data) == 0 {
		return apperrors.Validation("no file selected")
	}
	if !allowedTypes[strings.ToLower(f.ContentType)] {
		return apperrors.Validation("unsupported file type %q", f.ContentType)
	}
	if !allowedExtensions[Extension(f.Name)] {
		return apperrors.Validation("unsupported file extension in %q", f.Name)
	}
	if f.Size() > p.maxBytes {
		return apperrors.Validation("file too large (%.1fMB), maximum size is %dMB",
			float64(f.Size())/(1<<20), p.maxBytes>>20)
	}
	return nil
}

// Upload stores f at bucket/objectPath and returns a cache-busted public URL.
func (p *Pipeline) Upload(ctx context.Context, f File, bucket, objectPath string, opts Options) (Result, error) {
	ctx, span := tracer.Start(ctx, "upload.Upload")
	defer span.End()
	span.SetAttributes(attribute.String("bucket", bucket), attribute.String("path", objectPath))

	if err := p.Validate(f); err != nil {
		observability.IncUpload("rejected")
		return Result{}, err
	}

	data, contentType := f.Data, strings.ToLower(f.ContentType)
	if opts.Compress {
		target := opts.MaxBytes
		if target <= 0 {
			target = 1 << 20
		}
		compressed, ct, err := Compress(data, contentType, target)
		if err != nil {
			p.log.Warn().Err(err).Str("path", objectPath).Msg("compression failed, using original")
		} else {
			data, contentType = compressed, ct
		}
	}

	key := bucket + "/" + objectPath
	start := time.Now()
	err := p.blobs.PutBlob(ctx, models.Blob{Path: key, ContentType: contentType, Data: data}, opts.Upsert)
	observability.ObserveRemote("upload", "put", start)
	if err != nil {
		observability.IncUpload("failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.log.Warn().Err(err).Str("path", key).Msg("upload failed")
		return Result{}, apperrors.Remote("upload", err)
	}

	observability.IncUpload("ok")
	return Result{
		URL:  fmt.Sprintf("%s?t=%d", p.PublicURL(key), p.now().UnixMilli()),
		Path: key,
	}, nil
}

// PublicURL derives the stable URL of a stored object.
func (p *Pipeline) PublicURL(key string) string {
	return p.baseURL + "/media/" + key
}

// Remove deletes a stored object. Used for orphan cleanup.
func (p *Pipeline) Remove(ctx context.Context, key string) error {
	if err := p.blobs.DeleteBlob(ctx, key); err != nil {
		return apperrors.Remote("remove upload", err)
	}
	return nil
}

func extOrDefault(name string) string {
	if ext := Extension(name); ext != "" {
		return ext
	}
	return "jpg"
}

// UploadChatImage stores a message attachment for a conversation.
func (p *Pipeline) UploadChatImage(ctx context.Context, f File, conversationID string) (Result, error) {
	objectPath := fmt.Sprintf("messages/%s/%d.%s", conversationID, p.now().UnixMilli(), extOrDefault(f.Name))
	return p.Upload(ctx, f, BucketChatMedia, objectPath, Options{Compress: true, MaxBytes: 1 << 20})
}

// UploadAvatar replaces a user's avatar.
func (p *Pipeline) UploadAvatar(ctx context.Context, f File, userID string) (Result, error) {
	objectPath := fmt.Sprintf("%s.%s", userID, extOrDefault(f.Name))
	return p.Upload(ctx, f, BucketProfileImages, objectPath, Options{Compress: true, MaxBytes: 512 << 10, Upsert: true})
}

// UploadGroupAvatar replaces a group's avatar; the path is keyed by conversation so re-uploads overwrite.
func (p *Pipeline) UploadGroupAvatar(ctx context.Context, f File, conversationID string) (Result, error) {
	objectPath := fmt.Sprintf("groups/%s.%s", conversationID, extOrDefault(f.Name))
	return p.Upload(ctx, f, BucketProfileImages, objectPath, Options{Compress: true, MaxBytes: 512 << 10, Upsert: true})
}

// UploadStoryMedia stores the media of a story.
func (p *Pipeline) UploadStoryMedia(ctx context.Context, f File, userID string) (Result, error) {
	objectPath := fmt.Sprintf("stories/%s/%d.%s", userID, p.now().UnixMilli(), extOrDefault(f.Name))
	return p.Upload(ctx, f, BucketStoryMedia, objectPath, Options{Compress: true, MaxBytes: 1 << 20})
}
