// Package api hosts the HTTP intake for rank-tracking runs. Notable routes:
//   - POST /meo-ranking and POST /v1/runs accept a run and return 202.
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/diagnostics for runtime and backend details.
package api
