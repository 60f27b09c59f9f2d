// Package progress provides the lifecycle events, non-blocking hub, and emitter
// interface the scheduler uses to report job progress. Events are batched on a
// background goroutine and fanned out to sinks such as Prometheus metrics,
// structured logs, or the job event store.
package progress
