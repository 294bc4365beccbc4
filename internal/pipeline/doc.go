// Package pipeline implements the asynchronous fetch-and-cache pipeline that
// sits between a synchronous consumer (typically a render loop) and the network.
//
// Overview:
//   - Submit: the consumer hands the Loader a key (a URL). If the key is neither
//     in flight nor already completed, the Loader marks it pending and spawns one
//     worker goroutine that calls the Fetcher. Otherwise the call is a no-op.
//   - Completion: the worker turns the Fetcher outcome into a FetchResult, pushes
//     it onto the completion queue and marks the key completed. Fetch errors are
//     data (Success=false), never propagated to the consumer.
//   - Drain: the consumer calls TryTakeNext at its own pace. The call never
//     blocks and returns the most recently completed result first.
//   - Clear: empties the pending and completed sets so keys can be fetched again.
//     Results already queued, and results of workers still running, are kept.
//
// Concurrency model: the pending set, completed set and completion queue share
// one mutex, so the consumer always observes a consistent snapshot. Workers run
// inside an errgroup.Group so shutdown can join them (Wait/Close), but Submit
// stays fire-and-forget: it never waits for a fetch.
package pipeline
