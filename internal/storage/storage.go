// Package storage defines where drained fetch results end up: a blob store
// for payload bytes and a fetch log for per-result audit rows. Concrete
// implementations live in the memory, local, gcs and postgres subpackages.
package storage

import (
	"context"
	"io"
	"time"
)

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// FetchRecord is one audit row describing a drained result.
type FetchRecord struct {
	ID         string
	URL        string
	Success    bool
	Bytes      int
	Hash       string
	BlobURI    string
	FetchedAt  time.Time
	DurationMs int64
}

// FetchLog appends FetchRecords. It is write-only; nothing reads it back to
// answer fetches.
type FetchLog interface {
	Record(ctx context.Context, record FetchRecord) error
}

// NoOpFetchLog discards every record. It is used when no database is
// configured.
type NoOpFetchLog struct{}

// Record does nothing and always returns nil.
func (NoOpFetchLog) Record(context.Context, FetchRecord) error {
	return nil
}
