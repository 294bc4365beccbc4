package consumer

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetchcache/internal/hash/sha256"
	"github.com/JakeFAU/fetchcache/internal/pipeline"
	"github.com/JakeFAU/fetchcache/internal/storage"
	"github.com/JakeFAU/fetchcache/internal/storage/memory"
)

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

type mockBlobStore struct {
	mock.Mock
}

func (m *mockBlobStore) PutObject(ctx context.Context, path, contentType string, data io.Reader) (string, error) {
	body, _ := io.ReadAll(data)
	args := m.Called(ctx, path, contentType, body)
	return args.String(0), args.Error(1)
}

const helloSHA = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestAssetSinkStoresSuccess(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	log := memory.NewFetchLog()
	sink := NewAssetSink(blobs, log, sha256.New(), fixedIDs{"id-1"}, SinkConfig{Prefix: "/assets/"}, nil)

	now := time.Unix(1700000000, 0).UTC()
	err := sink.Handle(context.Background(), pipeline.FetchResult{
		Key:       "https://cdn.example.com/img/Logo.PNG?v=2",
		Payload:   []byte("hello world"),
		Success:   true,
		FetchedAt: now,
		Duration:  1500 * time.Millisecond,
	})
	require.NoError(t, err)

	stored, ok := blobs.Get("assets/" + helloSHA + ".png")
	require.True(t, ok)
	assert.Equal(t, "hello world", string(stored))

	records := log.Records()
	require.Len(t, records, 1)
	assert.Equal(t, storage.FetchRecord{
		ID:         "id-1",
		URL:        "https://cdn.example.com/img/Logo.PNG?v=2",
		Success:    true,
		Bytes:      11,
		Hash:       helloSHA,
		BlobURI:    "memory://assets/" + helloSHA + ".png",
		FetchedAt:  now,
		DurationMs: 1500,
	}, records[0])
}

func TestAssetSinkRecordsFailureOnly(t *testing.T) {
	t.Parallel()

	blobs := &mockBlobStore{}
	log := memory.NewFetchLog()
	sink := NewAssetSink(blobs, log, sha256.New(), fixedIDs{"id-2"}, SinkConfig{}, nil)

	err := sink.Handle(context.Background(), pipeline.FetchResult{Key: "https://example.com/missing.png"})
	require.NoError(t, err)

	blobs.AssertNotCalled(t, "PutObject", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	records := log.Records()
	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
	assert.Empty(t, records[0].Hash)
	assert.Empty(t, records[0].BlobURI)
}

func TestAssetSinkPutError(t *testing.T) {
	t.Parallel()

	blobs := &mockBlobStore{}
	blobs.On("PutObject", mock.Anything, helloSHA+".bin", "image/gif", []byte("hello world")).
		Return("", errors.New("quota exceeded"))
	log := memory.NewFetchLog()
	sink := NewAssetSink(blobs, log, sha256.New(), fixedIDs{"id-3"}, SinkConfig{ContentType: "image/gif"}, nil)

	err := sink.Handle(context.Background(), pipeline.FetchResult{
		Key:     "https://example.com/",
		Payload: []byte("hello world"),
		Success: true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.Empty(t, log.Records(), "nothing is recorded when the upload fails")
	blobs.AssertExpectations(t)
}

func TestAssetSinkDetectsContentType(t *testing.T) {
	t.Parallel()

	png := []byte("\x89PNG\r\n\x1a\n0000")
	blobs := &mockBlobStore{}
	blobs.On("PutObject", mock.Anything, mock.Anything, "image/png", png).Return("memory://x", nil)
	sink := NewAssetSink(blobs, nil, sha256.New(), fixedIDs{"id-4"}, SinkConfig{}, nil)

	require.NoError(t, sink.Handle(context.Background(), pipeline.FetchResult{Key: "a.png", Payload: png, Success: true}))
	blobs.AssertExpectations(t)
}

func TestExtension(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"https://example.com/a.png":           "png",
		"https://example.com/a.JPEG?x=1":      "jpeg",
		"example.com/sprites/atlas.webp":      "webp",
		"https://example.com/":                "bin",
		"https://example.com/noext":           "bin",
		"https://example.com/a.tar.gz":        "gz",
		"https://example.com/a.verylongextxx": "bin",
		"https://example.com/a.p-g":           "bin",
	}
	for key, want := range tests {
		assert.Equal(t, want, extension(key), key)
	}
}

func TestCollectorForwards(t *testing.T) {
	t.Parallel()

	var forwarded []string
	c := NewCollector(HandlerFunc(func(_ context.Context, r pipeline.FetchResult) error {
		forwarded = append(forwarded, r.Key)
		return nil
	}))
	require.NoError(t, c.Handle(context.Background(), pipeline.FetchResult{Key: "a"}))
	require.NoError(t, c.Handle(context.Background(), pipeline.FetchResult{Key: "a"}))
	require.NoError(t, c.Handle(context.Background(), pipeline.FetchResult{Key: "b"}))

	assert.Equal(t, []string{"a", "a", "b"}, forwarded)
	assert.Len(t, c.Results(), 3)
	assert.Equal(t, 2, c.Distinct())
}
