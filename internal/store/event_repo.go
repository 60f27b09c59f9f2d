package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobEvent is one persisted lifecycle milestone of a scrape job.
type JobEvent struct {
	// ID is a time-ordered identifier assigned by the writer.
	ID uuid.UUID
	// JobID is the scrape job the event belongs to.
	JobID string
	// Stage names the milestone (JOB_START, ATTEMPT_DONE, ...).
	Stage string
	// Attempt is the 1-based attempt number, zero for job-level events.
	Attempt int
	// Kind is the error kind of a failed attempt or job.
	Kind string
	// Status is the job status after the event.
	Status string
	// Matches counts extracted results on success.
	Matches int
	// Duration is the attempt or job runtime.
	Duration time.Duration
	// Note carries low-volume context such as an error message.
	Note string
	// At is when the event happened.
	At time.Time
}

// EventRepository persists job lifecycle events.
type EventRepository interface {
	// AppendEvents inserts the batch. Implementations should write it atomically.
	AppendEvents(ctx context.Context, events []JobEvent) error
}
