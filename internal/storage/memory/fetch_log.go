package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/fetchcache/internal/storage"
)

// FetchLog keeps records in insertion order.
type FetchLog struct {
	mu      sync.RWMutex
	records []storage.FetchRecord
}

// NewFetchLog constructs an empty FetchLog.
func NewFetchLog() *FetchLog {
	return &FetchLog{}
}

// Record appends a record.
func (l *FetchLog) Record(_ context.Context, record storage.FetchRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	return nil
}

// Records returns a snapshot of everything recorded so far.
func (l *FetchLog) Records() []storage.FetchRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]storage.FetchRecord(nil), l.records...)
}
