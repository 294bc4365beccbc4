package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func TestLoader_MixedOutcomesScenario(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]stubResponse{
		"a": {body: []byte("DATA_A")},
		"b": {err: errors.New("connection refused")},
	})
	loader := New(fetcher, WithLogger(zap.NewNop()))

	loader.Submit("a")
	loader.Submit("a")
	loader.Submit("b")
	loader.Wait()

	results := drain(loader)
	require.Len(t, results, 2)

	byKey := indexByKey(t, results)
	require.True(t, byKey["a"].Success)
	require.Equal(t, []byte("DATA_A"), byKey["a"].Payload)
	require.False(t, byKey["b"].Success)
	require.Nil(t, byKey["b"].Payload)

	_, found := loader.TryTakeNext()
	require.False(t, found)
	require.Equal(t, 1, fetcher.callCount("a"))
	require.Equal(t, 1, fetcher.callCount("b"))
}

func TestLoader_ConcurrentSubmitsFetchOnce(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]stubResponse{"a": {body: []byte("A")}})
	fetcher.gate = make(chan struct{})
	loader := New(fetcher)

	const submitters = 64
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			loader.Submit("a")
		}()
	}
	close(start)
	wg.Wait()

	stats := loader.Stats()
	require.Equal(t, 1, stats.InFlight)
	require.Equal(t, 1, stats.Pending)

	close(fetcher.gate)
	loader.Wait()

	require.Equal(t, 1, fetcher.callCount("a"))
	require.Len(t, drain(loader), 1)
}

func TestLoader_ResubmitAfterCompletionIsNoop(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]stubResponse{"x": {body: []byte("X")}})
	loader := New(fetcher)

	loader.Submit("x")
	loader.Wait()
	loader.Submit("x")
	loader.Wait()

	results := drain(loader)
	require.Len(t, results, 1)
	require.Equal(t, "x", results[0].Key)
	require.Equal(t, 1, fetcher.callCount("x"))
}

func TestLoader_ClearReopensCompletedKeys(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]stubResponse{"x": {body: []byte("X")}})
	loader := New(fetcher)

	loader.Submit("x")
	loader.Wait()
	require.Equal(t, Stats{Completed: 1, Queued: 1}, loader.Stats())

	loader.Clear()
	require.Equal(t, Stats{Queued: 1}, loader.Stats(), "clear must not touch the queue")

	loader.Submit("x")
	loader.Wait()

	require.Equal(t, 2, fetcher.callCount("x"))
	require.Len(t, drain(loader), 2)
}

func TestLoader_DrainReturnsEveryResultOnce(t *testing.T) {
	t.Parallel()

	const keys = 100
	responses := make(map[string]stubResponse, keys)
	for i := 0; i < keys; i++ {
		responses[fmt.Sprintf("https://example.com/img/%d.png", i)] = stubResponse{body: []byte{byte(i)}}
	}
	loader := New(newStubFetcher(responses))

	for key := range responses {
		loader.Submit(key)
	}
	loader.Wait()

	results := drain(loader)
	require.Len(t, results, keys)
	seen := indexByKey(t, results)
	for key := range responses {
		require.Contains(t, seen, key)
	}
	_, found := loader.TryTakeNext()
	require.False(t, found)
}

func TestLoader_TryTakeNextIsLIFO(t *testing.T) {
	t.Parallel()

	loader := New(newStubFetcher(map[string]stubResponse{
		"r1": {body: []byte("1")},
		"r2": {body: []byte("2")},
	}))

	loader.Submit("r1")
	loader.Wait()
	loader.Submit("r2")
	loader.Wait()

	first, found := loader.TryTakeNext()
	require.True(t, found)
	require.Equal(t, "r2", first.Key)
	second, found := loader.TryTakeNext()
	require.True(t, found)
	require.Equal(t, "r1", second.Key)
}

func TestLoader_FailurePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		policy    FailurePolicy
		wantCalls int
	}{
		{name: "suppress keeps failed key completed", policy: SuppressFailures, wantCalls: 1},
		{name: "retry refetches failed key", policy: RetryFailures, wantCalls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fetcher := newStubFetcher(map[string]stubResponse{"bad": {err: errors.New("HTTP 404")}})
			loader := New(fetcher, WithFailurePolicy(tt.policy))

			loader.Submit("bad")
			loader.Wait()
			loader.Submit("bad")
			loader.Wait()

			require.Equal(t, tt.wantCalls, fetcher.callCount("bad"))
			results := drain(loader)
			require.Len(t, results, tt.wantCalls)
			for _, r := range results {
				require.False(t, r.Success)
			}
		})
	}
}

func TestLoader_LateResultAfterClearIsDeliveredUntracked(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]stubResponse{"k": {body: []byte("K")}})
	fetcher.gate = make(chan struct{})
	loader := New(fetcher)

	loader.Submit("k")
	fetcher.awaitStarted(t, "k")
	loader.Clear()
	close(fetcher.gate)
	loader.Wait()

	require.Equal(t, Stats{Queued: 1}, loader.Stats())
	late, found := loader.TryTakeNext()
	require.True(t, found)
	require.True(t, late.Success)

	loader.Submit("k")
	loader.Wait()
	require.Equal(t, 2, fetcher.callCount("k"))
}

func TestLoader_StaleWorkerDoesNotCompleteResubmittedKey(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]stubResponse{"k": {body: []byte("K")}})
	fetcher.gate = make(chan struct{})
	loader := New(fetcher)

	loader.Submit("k")
	fetcher.awaitStarted(t, "k")
	loader.Clear()
	loader.Submit("k")
	fetcher.awaitStarted(t, "k")

	stats := loader.Stats()
	require.Equal(t, 2, stats.InFlight)
	require.Equal(t, 1, stats.Pending)

	close(fetcher.gate)
	loader.Wait()

	require.Equal(t, Stats{Completed: 1, Queued: 2}, loader.Stats())
	require.Len(t, drain(loader), 2)
}

func TestLoader_CloseRejectsNewSubmissions(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]stubResponse{"a": {body: []byte("A")}})
	loader := New(fetcher)

	require.NoError(t, loader.Close(context.Background()))
	loader.Submit("a")
	loader.Wait()

	require.Zero(t, fetcher.callCount("a"))
	require.Equal(t, Stats{}, loader.Stats())
	require.NoError(t, loader.Close(context.Background()), "close should be repeatable")
}

func TestLoader_CloseWaitsForWorkers(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]stubResponse{"slow": {body: []byte("S")}})
	fetcher.gate = make(chan struct{})
	loader := New(fetcher)
	loader.Submit("slow")
	fetcher.awaitStarted(t, "slow")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := loader.Close(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(fetcher.gate)
	require.NoError(t, loader.Close(context.Background()))
	result, found := loader.TryTakeNext()
	require.True(t, found)
	require.Equal(t, "slow", result.Key)
}

func TestLoader_RecoversPanickingFetcher(t *testing.T) {
	t.Parallel()

	loader := New(FetcherFunc(func(context.Context, string) ([]byte, error) {
		panic("boom")
	}))

	loader.Submit("p")
	loader.Wait()

	result, found := loader.TryTakeNext()
	require.True(t, found)
	require.False(t, result.Success)
	require.Nil(t, result.Payload)
	require.Equal(t, Stats{Completed: 1}, loader.Stats())
}

func TestLoader_IgnoresEmptyKey(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(nil)
	loader := New(fetcher)
	loader.Submit("")
	loader.Wait()

	require.Zero(t, fetcher.callCount(""))
	require.Equal(t, Stats{}, loader.Stats())
}

func TestLoader_StampsResultsWithClockAndBaseContext(t *testing.T) {
	t.Parallel()

	type ctxKey struct{}
	base := context.WithValue(context.Background(), ctxKey{}, "frame-loop")
	clock := &stepClock{now: time.Unix(1700000000, 0).UTC(), step: 250 * time.Millisecond}

	var seen any
	loader := New(
		FetcherFunc(func(ctx context.Context, _ string) ([]byte, error) {
			seen = ctx.Value(ctxKey{})
			return []byte("ok"), nil
		}),
		WithClock(clock),
		WithBaseContext(base),
	)

	loader.Submit("https://example.com/a.png")
	loader.Wait()

	result, found := loader.TryTakeNext()
	require.True(t, found)
	assert.Equal(t, "frame-loop", seen)
	assert.Equal(t, 250*time.Millisecond, result.Duration)
	assert.Equal(t, time.Unix(1700000000, 0).UTC().Add(250*time.Millisecond), result.FetchedAt)
}

func TestLoader_NotifiesObserver(t *testing.T) {
	t.Parallel()

	observer := &recordingObserver{}
	loader := New(newStubFetcher(map[string]stubResponse{"a": {body: []byte("A")}}), WithObserver(observer))

	loader.Submit("a")
	loader.Submit("a")
	loader.Wait()
	loader.Submit("a")
	_, _ = loader.TryTakeNext()
	_, _ = loader.TryTakeNext()
	loader.Clear()

	observer.mu.Lock()
	defer observer.mu.Unlock()
	require.Equal(t, 1, observer.accepted)
	require.Equal(t, 2, observer.skipped)
	require.Equal(t, 1, observer.completed)
	require.Equal(t, 1, observer.taken)
	require.Equal(t, 1, observer.cleared)
}

func TestLoader_WithGroupJoinsThroughCallerGroup(t *testing.T) {
	t.Parallel()

	var group errgroup.Group
	fetcher := newStubFetcher(map[string]stubResponse{"a": {body: []byte("A")}})
	loader := New(fetcher, WithGroup(&group))

	loader.Submit("a")
	require.NoError(t, group.Wait())

	require.Equal(t, Stats{Completed: 1, Queued: 1}, loader.Stats())
}

func TestParseFailurePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    FailurePolicy
		wantErr bool
	}{
		{raw: "", want: SuppressFailures},
		{raw: "suppress", want: SuppressFailures},
		{raw: " Retry ", want: RetryFailures},
		{raw: "backoff", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseFailurePolicy(tt.raw)
		if tt.wantErr {
			require.Error(t, err, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		require.Equal(t, tt.want, got)
		require.Equal(t, tt.want.String(), got.String())
	}
}

type stubResponse struct {
	body []byte
	err  error
}

type stubFetcher struct {
	mu        sync.Mutex
	calls     map[string]int
	responses map[string]stubResponse
	gate      chan struct{}
	started   chan string
}

func newStubFetcher(responses map[string]stubResponse) *stubFetcher {
	return &stubFetcher{
		calls:     make(map[string]int),
		responses: responses,
		started:   make(chan string, 256),
	}
}

func (f *stubFetcher) Fetch(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	f.calls[key]++
	resp, ok := f.responses[key]
	f.mu.Unlock()

	f.started <- key
	if f.gate != nil {
		<-f.gate
	}
	if !ok {
		return nil, fmt.Errorf("no stub for %s", key)
	}
	return resp.body, resp.err
}

func (f *stubFetcher) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *stubFetcher) awaitStarted(t *testing.T, key string) {
	t.Helper()
	select {
	case got := <-f.started:
		require.Equal(t, key, got)
	case <-time.After(time.Second):
		t.Fatalf("fetch for %q did not start", key)
	}
}

type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
	hits int
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now.Add(time.Duration(c.hits) * c.step)
	c.hits++
	return t
}

type recordingObserver struct {
	mu        sync.Mutex
	accepted  int
	skipped   int
	completed int
	taken     int
	cleared   int
}

func (o *recordingObserver) SubmissionAccepted(string) {
	o.mu.Lock()
	o.accepted++
	o.mu.Unlock()
}

func (o *recordingObserver) SubmissionSkipped(string) {
	o.mu.Lock()
	o.skipped++
	o.mu.Unlock()
}

func (o *recordingObserver) FetchCompleted(FetchResult) {
	o.mu.Lock()
	o.completed++
	o.mu.Unlock()
}

func (o *recordingObserver) ResultTaken(FetchResult) {
	o.mu.Lock()
	o.taken++
	o.mu.Unlock()
}

func (o *recordingObserver) Cleared() {
	o.mu.Lock()
	o.cleared++
	o.mu.Unlock()
}

func drain(l *Loader) []FetchResult {
	var out []FetchResult
	for {
		r, ok := l.TryTakeNext()
		if !ok {
			return out
		}
		out = append(out, r)
	}
}

func indexByKey(t *testing.T, results []FetchResult) map[string]FetchResult {
	t.Helper()
	out := make(map[string]FetchResult, len(results))
	for _, r := range results {
		_, dup := out[r.Key]
		require.False(t, dup, "duplicate result for %s", r.Key)
		out[r.Key] = r
	}
	return out
}
