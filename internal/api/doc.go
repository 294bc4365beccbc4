// Package api hosts the HTTP server, middleware, and REST handlers that let
// remote callers drive a fetch pipeline. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/fetch and /v1/clear to submit keys and reset tracking.
//   - GET /v1/results/next and /v1/stats to drain and inspect the pipeline.
package api
