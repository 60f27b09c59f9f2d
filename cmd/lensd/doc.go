// Package main hosts the lensd entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes /scrape (submit, status, cancel), the blocking /search, /health,
//     /system-info and /metrics. Requests are validated into lens.Request values and handed to the scheduler.
//   - Scheduler & queue: internal/scheduler fingerprints each request, answers from the result cache when it can, and
//     otherwise joins the in-flight execution for the same fingerprint or enqueues a new one on the bounded in-memory
//     FIFO. A fixed set of workers (config scrape.workers, defaulting to the pool size) drains the queue.
//   - Browser pool: internal/browser leases one isolated Chrome process per context, with a hard ceiling of
//     pool.max_concurrency. Contexts are reset between leases and destroyed when unhealthy, old, overused, or when
//     host memory is under pressure.
//   - Pipeline: internal/pipeline navigates to Lens (falling back to the upload form), dismisses consent, waits for
//     results, scrolls, and extracts matches with an in-page script or a goquery fallback. Each step has its own
//     time budget and classifies failures into retry-relevant kinds.
//   - Persistence & fanout: jobs live in memory or Postgres; failure snapshots go to memory, local disk or GCS; a
//     completion event is published to Pub/Sub; lifecycle events flow through the progress hub to Prometheus, logs
//     and the Postgres event table.
//
// Operational notes:
//   - Retries key on the error kind: ParseFailed is never retried, BlockedByTarget rotates the context and backs off
//     longer, and every execution is bounded by scrape.job_deadline.
//   - The process exits non-zero once the pool stops being able to launch Chrome so the platform restarts it.
//   - Cloud Run: the HTTP server listens on the configured port (overridable via PORT) and drains the pool on
//     SIGTERM.
//
// Quick checklist:
//   - Configure env vars: LENS_POOL_MAX_CONCURRENCY, LENS_POOL_CHROME_PATH, LENS_SCRAPE_JOB_TIMEOUT, storage
//     (LENS_STORAGE_*), pubsub (LENS_PUBSUB_*), and LENS_DATABASE_DSN when persistence beyond memory is required.
//   - Run locally: go run ./cmd/lensd serve --config config.yaml, or go run ./cmd/lensd scrape <image-url>.
package main
