package consumer

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchcache/internal/pipeline"
	"github.com/JakeFAU/fetchcache/internal/storage"
)

// Hasher computes content digests used as blob names.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces fetch record IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// SinkConfig controls where AssetSink writes payloads.
type SinkConfig struct {
	// Prefix is prepended to every blob path.
	Prefix string
	// ContentType overrides detection from the payload when set.
	ContentType string
}

// AssetSink stores successful payloads by content hash and records every
// drained result in a FetchLog.
type AssetSink struct {
	blobs  storage.BlobStore
	log    storage.FetchLog
	hasher Hasher
	ids    IDGenerator
	cfg    SinkConfig
	logger *zap.Logger
}

var _ Handler = (*AssetSink)(nil)

// NewAssetSink constructs an AssetSink. A nil log discards records.
func NewAssetSink(
	blobs storage.BlobStore,
	log storage.FetchLog,
	hasher Hasher,
	ids IDGenerator,
	cfg SinkConfig,
	logger *zap.Logger,
) *AssetSink {
	if log == nil {
		log = storage.NoOpFetchLog{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssetSink{
		blobs:  blobs,
		log:    log,
		hasher: hasher,
		ids:    ids,
		cfg:    cfg,
		logger: logger,
	}
}

// Handle persists result.
func (s *AssetSink) Handle(ctx context.Context, result pipeline.FetchResult) error {
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate record id: %w", err)
	}
	record := storage.FetchRecord{
		ID:         id,
		URL:        result.Key,
		Success:    result.Success,
		Bytes:      len(result.Payload),
		FetchedAt:  result.FetchedAt,
		DurationMs: result.Duration.Milliseconds(),
	}

	if result.Success {
		hash, err := s.hasher.Hash(result.Payload)
		if err != nil {
			return fmt.Errorf("hash payload: %w", err)
		}
		blobPath := s.buildBlobPath(hash, extension(result.Key))
		uri, err := s.blobs.PutObject(ctx, blobPath, s.contentType(result.Payload), bytes.NewReader(result.Payload))
		if err != nil {
			return fmt.Errorf("put object: %w", err)
		}
		record.Hash = hash
		record.BlobURI = uri
		s.logger.Debug("stored asset", zap.String("url", result.Key), zap.String("uri", uri))
	}

	if err := s.log.Record(ctx, record); err != nil {
		return fmt.Errorf("record fetch: %w", err)
	}
	return nil
}

func (s *AssetSink) buildBlobPath(hash, ext string) string {
	prefix := strings.Trim(s.cfg.Prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s.%s", hash, ext)
	}
	return fmt.Sprintf("%s/%s.%s", prefix, hash, ext)
}

func (s *AssetSink) contentType(payload []byte) string {
	if s.cfg.ContentType != "" {
		return s.cfg.ContentType
	}
	return http.DetectContentType(payload)
}

// extension returns a short lowercase alphanumeric file extension taken from
// the key's path, or "bin".
func extension(key string) string {
	p := key
	if u, err := url.Parse(key); err == nil && u.Path != "" {
		p = u.Path
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
	if ext == "" || len(ext) > 8 {
		return "bin"
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return "bin"
		}
	}
	return ext
}

// Collector remembers every result it sees and forwards it to next, if set.
type Collector struct {
	next Handler

	mu      sync.Mutex
	results []pipeline.FetchResult
	seen    map[string]struct{}
}

// NewCollector wraps next. next may be nil.
func NewCollector(next Handler) *Collector {
	return &Collector{
		next: next,
		seen: make(map[string]struct{}),
	}
}

// Handle records result, then forwards it.
func (c *Collector) Handle(ctx context.Context, result pipeline.FetchResult) error {
	c.mu.Lock()
	c.results = append(c.results, result)
	c.seen[result.Key] = struct{}{}
	c.mu.Unlock()

	if c.next == nil {
		return nil
	}
	return c.next.Handle(ctx, result)
}

// Results returns the collected results in drain order.
func (c *Collector) Results() []pipeline.FetchResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pipeline.FetchResult(nil), c.results...)
}

// Distinct reports how many different keys have been seen.
func (c *Collector) Distinct() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
