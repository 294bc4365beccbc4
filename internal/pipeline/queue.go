package pipeline

// completionQueue buffers finished results until the consumer drains them.
// Results come back last-in first-out; each one is self-identifying by key so
// consumers need no ordering. Like tracker, it relies on the Loader's mutex.
type completionQueue struct {
	items []FetchResult
}

func (q *completionQueue) push(result FetchResult) {
	q.items = append(q.items, result)
}

// tryPop removes the most recently pushed result. It never blocks.
func (q *completionQueue) tryPop() (FetchResult, bool) {
	n := len(q.items)
	if n == 0 {
		return FetchResult{}, false
	}
	result := q.items[n-1]
	// Drop the slot's reference so the payload is owned by the caller alone.
	q.items[n-1] = FetchResult{}
	q.items = q.items[:n-1]
	return result, true
}

func (q *completionQueue) len() int {
	return len(q.items)
}
