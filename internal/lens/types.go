// Package lens defines the core types shared by the pool, pipeline, and scheduler.
package lens

import (
	"time"
)

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusTimedOut  JobStatus = "timed_out"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusTimedOut, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// SearchType selects which Lens result tab is scraped.
type SearchType string

// Supported search types.
const (
	SearchAll           SearchType = "all"
	SearchExactMatches  SearchType = "exact_matches"
	SearchVisualMatches SearchType = "visual_matches"
)

// Valid reports whether t is a known search type.
func (t SearchType) Valid() bool {
	switch t {
	case SearchAll, SearchExactMatches, SearchVisualMatches:
		return true
	default:
		return false
	}
}

// Request is the caller-supplied input of a scrape job.
type Request struct {
	ImageURL   string     `json:"image_url,omitempty"`
	ImageData  []byte     `json:"-"`
	SearchType SearchType `json:"search_type"`
}

// Match is one search hit extracted from the results page.
type Match struct {
	Rank        int    `json:"rank"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Thumbnail   string `json:"thumbnail,omitempty"`
	Source      string `json:"source"`
}

// ExtractionStrategy names the extraction path that produced a result.
type ExtractionStrategy string

// Extraction strategies.
const (
	StrategyPrimary  ExtractionStrategy = "primary"
	StrategyFallback ExtractionStrategy = "fallback"
	StrategyNone     ExtractionStrategy = "none"
)

// ExtractionResult is the immutable outcome of a successful pipeline run.
type ExtractionResult struct {
	Matches     []Match            `json:"matches"`
	SearchType  SearchType         `json:"search_type"`
	PageURL     string             `json:"page_url"`
	NoMatches   bool               `json:"no_matches"`
	Strategy    ExtractionStrategy `json:"strategy"`
	ExtractedAt time.Time          `json:"extracted_at"`
}

// Clone returns a deep copy so callers cannot mutate a shared result.
func (r ExtractionResult) Clone() ExtractionResult {
	out := r
	out.Matches = append([]Match(nil), r.Matches...)
	return out
}

// JobError describes why a job did not succeed.
type JobError struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Retryable   bool      `json:"retryable"`
	SnapshotURI string    `json:"snapshot_uri,omitempty"`
}

// Job represents the metadata persisted for each submitted scrape request.
type Job struct {
	ID          string            `json:"id"`
	Fingerprint string            `json:"fingerprint"`
	Request     Request           `json:"request"`
	Status      JobStatus         `json:"status"`
	Attempts    int               `json:"attempts"`
	FromCache   bool              `json:"from_cache"`
	SubmittedAt time.Time         `json:"submitted_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
	Result      *ExtractionResult `json:"result,omitempty"`
	Error       *JobError         `json:"error,omitempty"`
}

// JobUpdate is applied by JobStore.TransitionJob.
type JobUpdate struct {
	Status   JobStatus
	At       time.Time
	Attempts int
	Result   *ExtractionResult
	Error    *JobError
}

// Apply mutates job according to the update, stamping start/finish times.
func (u JobUpdate) Apply(job *Job) {
	job.Status = u.Status
	if u.Attempts > job.Attempts {
		job.Attempts = u.Attempts
	}
	if u.Status == JobStatusRunning && job.StartedAt == nil {
		job.StartedAt = pointerTime(u.At)
	}
	if u.Status.Terminal() {
		job.FinishedAt = pointerTime(u.At)
		job.Result = u.Result
		job.Error = u.Error
	}
}

// QueueItem wraps an execution ready to run.
type QueueItem struct {
	FlightID    uint64
	Fingerprint string
	LeaderID    string
	Request     Request
	Submitted   time.Time
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

// JobCompletion is published once a job reaches a terminal status.
type JobCompletion struct {
	JobID       string     `json:"job_id"`
	Fingerprint string     `json:"fingerprint"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	FromCache   bool       `json:"from_cache"`
	Matches     int        `json:"matches"`
	NoMatches   bool       `json:"no_matches,omitempty"`
	ErrorKind   ErrorKind  `json:"error_kind,omitempty"`
	SnapshotURI string     `json:"snapshot_uri,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// CompletionOf summarizes a terminal job for publishing.
func CompletionOf(job Job) JobCompletion {
	c := JobCompletion{
		JobID:       job.ID,
		Fingerprint: job.Fingerprint,
		Status:      job.Status,
		Attempts:    job.Attempts,
		FromCache:   job.FromCache,
		FinishedAt:  job.FinishedAt,
	}
	if job.Result != nil {
		c.Matches = len(job.Result.Matches)
		c.NoMatches = job.Result.NoMatches
	}
	if job.Error != nil {
		c.ErrorKind = job.Error.Kind
		c.SnapshotURI = job.Error.SnapshotURI
	}
	return c
}
