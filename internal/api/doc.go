// Package api hosts the HTTP server, middleware, and REST handlers.
// Notable routes:
//   - POST /scrape, GET /scrape/{job_id}, POST /scrape/{job_id}/cancel and
//     DELETE /scrape/{job_id} for asynchronous jobs.
//   - POST /search for a blocking submit-and-wait.
//   - GET /health for container probes and GET /metrics for Prometheus.
//   - GET /system-info for host and pool figures.
package api
