package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// FetchResult is the outcome of one fetch. It is created by a worker, moved
// into the completion queue and handed to the consumer exactly once.
type FetchResult struct {
	// Key identifies the fetched resource (the submitted URL).
	Key string
	// Payload holds the raw response bytes. It is nil when Success is false.
	Payload []byte
	// Success reports whether the Fetcher returned without error.
	Success bool
	// FetchedAt is the time the fetch finished.
	FetchedAt time.Time
	// Duration is how long the Fetcher call took.
	Duration time.Duration
}

// Fetcher performs a blocking retrieval for a key. Implementations must be
// safe for concurrent use; any error is reported to the consumer as a failed
// FetchResult.
type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, key string) ([]byte, error)

// Fetch calls f(ctx, key).
func (f FetcherFunc) Fetch(ctx context.Context, key string) ([]byte, error) {
	return f(ctx, key)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Observer receives lifecycle notifications from a Loader and may be called
// from several goroutines at once. SubmissionAccepted, FetchCompleted and
// ResultTaken run with the Loader's lock held, so they are ordered with the
// queue; implementations must be cheap and must not call back into the Loader.
type Observer interface {
	SubmissionAccepted(key string)
	SubmissionSkipped(key string)
	FetchCompleted(result FetchResult)
	ResultTaken(result FetchResult)
	Cleared()
}

// Stats is a consistent snapshot of the Loader's bookkeeping.
type Stats struct {
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Queued    int `json:"queued"`
	InFlight  int `json:"in_flight"`
}

// FailurePolicy decides what happens to the tracking state of a key whose
// fetch failed.
type FailurePolicy int

const (
	// SuppressFailures marks failed keys completed, so they are not fetched
	// again until Clear. A failed key is counted in Stats.Completed, not
	// Stats.Pending.
	SuppressFailures FailurePolicy = iota
	// RetryFailures forgets failed keys, so the next Submit fetches again.
	RetryFailures
)

// String returns the config spelling of the policy.
func (p FailurePolicy) String() string {
	switch p {
	case SuppressFailures:
		return "suppress"
	case RetryFailures:
		return "retry"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

// ParseFailurePolicy converts a config value into a FailurePolicy. An empty
// string selects SuppressFailures.
func ParseFailurePolicy(raw string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "suppress":
		return SuppressFailures, nil
	case "retry":
		return RetryFailures, nil
	default:
		return SuppressFailures, fmt.Errorf("unknown failure policy %q", raw)
	}
}

type nopObserver struct{}

func (nopObserver) SubmissionAccepted(string)  {}
func (nopObserver) SubmissionSkipped(string)   {}
func (nopObserver) FetchCompleted(FetchResult) {}
func (nopObserver) ResultTaken(FetchResult)    {}
func (nopObserver) Cleared()                   {}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}
