package pipeline

// tracker holds the pending and completed key sets. It does no locking of its
// own; every method must be called with the Loader's mutex held.
type tracker struct {
	pending   map[string]struct{}
	completed map[string]struct{}
}

func newTracker() *tracker {
	return &tracker{
		pending:   make(map[string]struct{}),
		completed: make(map[string]struct{}),
	}
}

// shouldStart reports whether key needs a fetch and, if so, marks it pending.
// Check and mark are one step so two submissions can never both win.
func (t *tracker) shouldStart(key string) bool {
	if _, done := t.completed[key]; done {
		return false
	}
	if _, inFlight := t.pending[key]; inFlight {
		return false
	}
	t.pending[key] = struct{}{}
	return true
}

// finish moves key out of the pending set. Successful keys always become
// completed; failed keys do too unless the policy allows retries.
func (t *tracker) finish(key string, success bool, policy FailurePolicy) {
	delete(t.pending, key)
	if !success && policy == RetryFailures {
		return
	}
	t.completed[key] = struct{}{}
}

// reset forgets every key.
func (t *tracker) reset() {
	clear(t.pending)
	clear(t.completed)
}

func (t *tracker) counts() (pending, completed int) {
	return len(t.pending), len(t.completed)
}
