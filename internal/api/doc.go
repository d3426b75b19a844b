// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST/GET/DELETE /v1/jobs/... for job submission and inspection.
//   - GET /v1/events for a server-sent event stream of progress events.
//   - GET /api/runs and /api/runs/{job_id}/channels for progress reporting via
//     the ProgressRepository interface.
package api
