package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Loader is the pipeline façade: Submit, Clear and TryTakeNext coordinate the
// pending set, the completed set and the completion queue under one mutex.
// A Loader is safe for concurrent use, though the design assumes a single
// consumer draining results.
type Loader struct {
	fetcher  Fetcher
	logger   *zap.Logger
	clock    Clock
	observer Observer
	policy   FailurePolicy
	baseCtx  context.Context
	group    *errgroup.Group

	mu         sync.Mutex
	tracker    *tracker
	queue      completionQueue
	generation uint64
	inFlight   int
	closed     bool
}

// New constructs a Loader around fetcher.
func New(fetcher Fetcher, opts ...Option) *Loader {
	l := &Loader{
		fetcher:  fetcher,
		logger:   zap.NewNop(),
		clock:    systemClock{},
		observer: nopObserver{},
		policy:   SuppressFailures,
		baseCtx:  context.Background(),
		group:    &errgroup.Group{},
		tracker:  newTracker(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Submit requests a fetch for key. It returns immediately: if key is already
// pending or completed, or the Loader is closed, nothing happens; otherwise a
// worker is started and its result will show up in TryTakeNext.
func (l *Loader) Submit(key string) {
	if key == "" {
		l.logger.Debug("ignoring empty key")
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.logger.Debug("submit after close ignored", zap.String("key", key))
		return
	}
	if !l.tracker.shouldStart(key) {
		l.mu.Unlock()
		l.observer.SubmissionSkipped(key)
		return
	}
	generation := l.generation
	l.inFlight++
	l.observer.SubmissionAccepted(key)
	// Registered with the group before the lock is released; Close relies on it.
	l.group.Go(func() error {
		l.work(key, generation)
		return nil
	})
	l.mu.Unlock()

	l.logger.Debug("fetch started", zap.String("key", key))
}

// Clear forgets every pending and completed key. Queued results stay queued,
// and workers already running still deliver theirs.
func (l *Loader) Clear() {
	l.mu.Lock()
	l.tracker.reset()
	l.generation++
	l.mu.Unlock()

	l.observer.Cleared()
	l.logger.Debug("tracking state cleared")
}

// TryTakeNext removes and returns the most recently completed result. It never
// blocks; found is false when the queue is empty.
func (l *Loader) TryTakeNext() (result FetchResult, found bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	result, found = l.queue.tryPop()
	if found {
		l.observer.ResultTaken(result)
	}
	return result, found
}

// Stats returns a consistent snapshot of the Loader's state.
func (l *Loader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	pending, completed := l.tracker.counts()
	return Stats{
		Pending:   pending,
		Completed: completed,
		Queued:    l.queue.len(),
		InFlight:  l.inFlight,
	}
}

// Wait blocks until every worker started so far has pushed its result.
func (l *Loader) Wait() {
	_ = l.group.Wait() // workers always return nil
}

// Close stops accepting submissions and waits for running workers until ctx
// ends. In-flight fetches are not canceled. Close is safe to call repeatedly.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}
}

func (l *Loader) work(key string, generation uint64) {
	start := l.clock.Now()
	payload, err := l.fetch(key)
	finished := l.clock.Now()

	result := FetchResult{
		Key:       key,
		FetchedAt: finished,
		Duration:  finished.Sub(start),
	}
	if err != nil {
		l.logger.Warn("fetch failed", zap.String("key", key), zap.Error(err))
	} else {
		result.Payload = payload
		result.Success = true
	}

	l.mu.Lock()
	l.queue.push(result)
	// A Clear since spawn means this key's tracking state belongs to a newer
	// generation; deliver the result but leave the sets alone.
	if generation == l.generation {
		l.tracker.finish(key, result.Success, l.policy)
	}
	l.inFlight--
	l.observer.FetchCompleted(result)
	l.mu.Unlock()

	l.logger.Debug("fetch completed",
		zap.String("key", key),
		zap.Bool("success", result.Success),
		zap.Int("bytes", len(result.Payload)),
		zap.Duration("duration", result.Duration),
	)
}

// fetch shields the pipeline from a panicking Fetcher: a panic becomes a
// failed result instead of a key stuck in the pending set.
func (l *Loader) fetch(key string) (payload []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			payload = nil
			err = fmt.Errorf("fetcher panic: %v", rec)
		}
	}()
	return l.fetcher.Fetch(l.baseCtx, key)
}
