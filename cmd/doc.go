// Package cmd defines and implements the CLI commands for the fetchcache
// executable.
//
// Architecture overview:
//   - Pipeline: internal/pipeline.Loader accepts keys (URLs), skips ones already pending or completed, and runs
//     one goroutine per accepted key. Finished results land in a LIFO completion queue drained with TryTakeNext.
//   - Fetching: the Colly-based fetcher in internal/fetcher/colly performs a single GET per key with a short
//     connect timeout and a configurable request timeout.
//   - Consumer: internal/consumer.Loop drains a bounded number of results per frame and hands them to the
//     AssetSink, which writes payloads to the configured BlobStore (memory/local/GCS) and logs each fetch to
//     Postgres when db.dsn is set.
//   - Configuration & plumbing: Viper populates config from a YAML file plus FETCHCACHE_* env vars; zap provides
//     structured logging; Prometheus metrics are exported via the metrics middleware and /metrics handler.
//
// Commands:
//   - fetch URL...: one-shot run that submits the URLs, drains every result into storage and prints a summary.
//   - serve: HTTP API (see internal/api). With --drain (default) results are stored in-process; with
//     --drain=false they wait for GET /v1/results/next.
//
// Operational notes:
//   - serve reacts to SIGINT/SIGTERM by flipping /readyz to 503, shutting down the HTTP server, and draining
//     results still in flight for up to consumer.drain_timeout.
package cmd
