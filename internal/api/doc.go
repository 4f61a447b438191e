// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs, GET /v1/jobs/{id}, POST /v1/jobs/{id}/cancel for jobs.
//   - GET /v1/queue/stats, /v1/sessions and /v1/adapters for operators.
//   - GET /v1/assets/{ticker} for the fused canonical record.
package api
