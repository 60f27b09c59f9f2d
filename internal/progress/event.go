package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/lens-scraper/internal/lens"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobQueued    Stage = "JOB_QUEUED"
	StageJobStart     Stage = "JOB_START"
	StageAttemptDone  Stage = "ATTEMPT_DONE"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
	StageJobCancelled Stage = "JOB_CANCELLED"
)

// Terminal reports whether the stage ends a job.
func (s Stage) Terminal() bool {
	return s == StageJobDone || s == StageJobError || s == StageJobCancelled
}

// Event captures one job lifecycle milestone.
type Event struct {
	// JobID is the scrape job the event belongs to.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Attempt is set on ATTEMPT_DONE and terminal events.
	Attempt int
	// Kind is the error kind of a failed attempt or job.
	Kind lens.ErrorKind
	// Status is the job status after the event.
	Status lens.JobStatus
	// Matches counts extracted results on success.
	Matches int
	// FromCache marks jobs answered without running the pipeline.
	FromCache bool
	// Dur is the attempt runtime, or the job runtime on terminal events.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobQueued, StageJobStart, StageJobDone, StageJobCancelled:
	case StageAttemptDone:
		if e.Attempt <= 0 {
			return errors.New("attempt done requires attempt number")
		}
	case StageJobError:
		if e.Kind == lens.KindNone {
			return errors.New("job error requires kind")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// StageFor maps a terminal job status to its event stage.
func StageFor(status lens.JobStatus) Stage {
	switch status {
	case lens.JobStatusSucceeded:
		return StageJobDone
	case lens.JobStatusCancelled:
		return StageJobCancelled
	default:
		return StageJobError
	}
}
