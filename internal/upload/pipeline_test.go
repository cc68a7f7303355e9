package upload

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatsync/internal/apperrors"
	"chatsync/internal/mocks"
	"chatsync/internal/models"
)

func newTestPipeline(store *mocks.Store) *Pipeline {
	p := NewPipeline(store, "http://media.test/", 0, zerolog.Nop())
	p.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return p
}

func noiseJPEG(t *testing.T, w, h, quality int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(rng.Intn(256)), G: uint8(x), B: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}))
	return buf.Bytes()
}

func TestValidate(t *testing.T) {
	p := newTestPipeline(mocks.NewStore())

	cases := []struct {
		name string
		file File
		ok   bool
	}{
		{"empty", File{Name: "a.png", ContentType: "image/png"}, false},
		{"wrong type", File{Name: "a.pdf", ContentType: "application/pdf", Data: []byte("x")}, false},
		{"wrong extension", File{Name: "a.bmp", ContentType: "image/png", Data: []byte("x")}, false},
		{"no extension", File{Name: "photo", ContentType: "image/png", Data: []byte("x")}, false},
		{"too large", File{Name: "a.png", ContentType: "image/png", Data: make([]byte, DefaultMaxBytes+1)}, false},
		{"ok", File{Name: "A.JPG", ContentType: "image/jpeg", Data: []byte("x")}, true},
		{"webp", File{Name: "a.webp", ContentType: "image/webp", Data: []byte("x")}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := p.Validate(tc.file)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}
}

func TestUploadChatImage_StoresAndReturnsCacheBustedURL(t *testing.T) {
	store := mocks.NewStore()
	p := newTestPipeline(store)
	file := File{Name: "cat.png", ContentType: "image/png", Data: []byte("small png")}

	res, err := p.UploadChatImage(context.Background(), file, "c1")
	require.NoError(t, err)

	assert.Equal(t, "chat-media/messages/c1/1700000000000.png", res.Path)
	assert.Equal(t, "http://media.test/media/chat-media/messages/c1/1700000000000.png?t=1700000000000", res.URL)
	blob, ok := store.Blob(res.Path)
	require.True(t, ok)
	assert.Equal(t, file.Data, blob.Data)
	assert.Equal(t, "image/png", blob.ContentType)
}

func TestUpload_InvalidFileNeverReachesStore(t *testing.T) {
	blobs := &mocks.BlobRepositoryMock{}
	p := NewPipeline(blobs, "http://media.test", 0, zerolog.Nop())

	_, err := p.UploadStoryMedia(context.Background(), File{Name: "a.txt", ContentType: "text/plain", Data: []byte("x")}, "u1")

	assert.ErrorIs(t, err, apperrors.ErrValidation)
	blobs.AssertNotCalled(t, "PutBlob", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpload_StoreFailureIsRemoteError(t *testing.T) {
	blobs := &mocks.BlobRepositoryMock{}
	blobs.On("PutBlob", mock.Anything, mock.AnythingOfType("models.Blob"), false).Return(errors.New("connection reset"))
	p := NewPipeline(blobs, "http://media.test", 0, zerolog.Nop())

	_, err := p.UploadChatImage(context.Background(), File{Name: "a.gif", ContentType: "image/gif", Data: []byte("gif")}, "c1")

	assert.ErrorIs(t, err, apperrors.ErrRemote)
	blobs.AssertExpectations(t)
}

func TestUploadAvatar_Upserts(t *testing.T) {
	store := mocks.NewStore()
	p := newTestPipeline(store)

	_, err := p.UploadAvatar(context.Background(), File{Name: "me.png", ContentType: "image/png", Data: []byte("v1")}, "u1")
	require.NoError(t, err)
	res, err := p.UploadAvatar(context.Background(), File{Name: "me.png", ContentType: "image/png", Data: []byte("v2")}, "u1")
	require.NoError(t, err)

	assert.Equal(t, "profile-images/u1.png", res.Path)
	blob, _ := store.Blob(res.Path)
	assert.Equal(t, []byte("v2"), blob.Data)
}

func TestUploadGroupAvatar_PathKeyedByConversation(t *testing.T) {
	p := newTestPipeline(mocks.NewStore())

	res, err := p.UploadGroupAvatar(context.Background(), File{Name: "g.webp", ContentType: "image/webp", Data: []byte("w")}, "c9")
	require.NoError(t, err)
	assert.Equal(t, "profile-images/groups/c9.webp", res.Path)
}

func TestUpload_CompressionFailureKeepsOriginal(t *testing.T) {
	store := mocks.NewStore()
	p := newTestPipeline(store)
	garbage := []byte(strings.Repeat("not a jpeg ", 64))

	res, err := p.Upload(context.Background(), File{Name: "x.jpg", ContentType: "image/jpeg", Data: garbage},
		BucketChatMedia, "messages/c1/x.jpg", Options{Compress: true, MaxBytes: 16})
	require.NoError(t, err)

	blob, _ := store.Blob(res.Path)
	assert.Equal(t, garbage, blob.Data)
	assert.Equal(t, "image/jpeg", blob.ContentType)
}

func TestRemove(t *testing.T) {
	store := mocks.NewStore()
	p := newTestPipeline(store)
	require.NoError(t, store.PutBlob(context.Background(), models.Blob{Path: "chat-media/a.png"}, false))

	require.NoError(t, p.Remove(context.Background(), "chat-media/a.png"))
	_, ok := store.Blob("chat-media/a.png")
	assert.False(t, ok)
}

func TestCompress_SkipsGIFAndSmallFiles(t *testing.T) {
	data := []byte("GIF89a....")
	out, ct, err := Compress(data, "image/gif", 1)
	require.NoError(t, err)
	assert.Equal(t, data, out)
	assert.Equal(t, "image/gif", ct)

	out, ct, err = Compress([]byte("tiny"), "image/jpeg", 1<<20)
	require.NoError(t, err)
	assert.Equal(t, []byte("tiny"), out)
	assert.Equal(t, "image/jpeg", ct)
}

func TestCompress_DownscalesLargeImages(t *testing.T) {
	data := noiseJPEG(t, 2400, 1200, 95)

	out, ct, err := Compress(data, "image/jpeg", int64(len(data))-1)
	require.NoError(t, err)

	assert.Equal(t, "image/jpeg", ct)
	assert.Less(t, len(out), len(data))
	cfg, _, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, MaxDimension, cfg.Width)
	assert.Equal(t, 960, cfg.Height)
}

func TestCompress_InvalidImage(t *testing.T) {
	_, _, err := Compress([]byte("garbage garbage"), "image/png", 1)
	assert.Error(t, err)
}

// hugePNG is a valid PNG whose header claims width x height pixels.
func hugePNG(t *testing.T, width, height uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1))))
	data := buf.Bytes()
	require.Equal(t, "IHDR", string(data[12:16]))
	binary.BigEndian.PutUint32(data[16:20], width)
	binary.BigEndian.PutUint32(data[20:24], height)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func TestCompress_RejectsOversizedDimensionsBeforeDecoding(t *testing.T) {
	data := hugePNG(t, 60000, 60000)
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, 60000, cfg.Width)

	_, _, err = Compress(data, "image/png", 1)
	assert.ErrorIs(t, err, ErrTooManyPixels)
}

func TestUpload_OversizedDimensionsKeepOriginal(t *testing.T) {
	store := mocks.NewStore()
	p := newTestPipeline(store)
	data := hugePNG(t, 60000, 60000)

	res, err := p.Upload(context.Background(), File{Name: "x.png", ContentType: "image/png", Data: data},
		BucketChatMedia, "messages/c1/x.png", Options{Compress: true, MaxBytes: 16})
	require.NoError(t, err)

	blob, _ := store.Blob(res.Path)
	assert.Equal(t, data, blob.Data)
	assert.Equal(t, "image/png", blob.ContentType)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "jpg", Extension("Photo.JPG"))
	assert.Equal(t, "", Extension("README"))
	assert.Equal(t, "gz", Extension("a.tar.gz"))
}
