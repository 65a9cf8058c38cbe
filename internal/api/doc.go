// Package api hosts the admin HTTP server of a running crawl. Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/state for pending, visited and streak counters.
//   - POST /v1/state/checkpoint to force a state save.
package api
