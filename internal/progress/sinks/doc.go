// Package sinks implements concrete progress consumers: Prometheus collectors,
// the job event store, and structured logging. Each sink satisfies
// progress.Sink and is safe for repeated Consume/Close cycles.
package sinks
