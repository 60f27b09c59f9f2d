// Package store holds the persistence contracts for job lifecycle events.
// Postgres and test implementations live elsewhere; keep drivers out of here.
package store
