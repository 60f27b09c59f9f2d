package lens

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies scrape failures so retry decisions can key on them.
type ErrorKind string

// Failure kinds.
const (
	KindNone             ErrorKind = ""
	KindPoolExhausted    ErrorKind = "PoolExhausted"
	KindNavigationFailed ErrorKind = "NavigationFailed"
	KindTimeout          ErrorKind = "Timeout"
	KindBlockedByTarget  ErrorKind = "BlockedByTarget"
	KindParseFailed      ErrorKind = "ParseFailed"
	KindCancelled        ErrorKind = "Cancelled"
	KindInternal         ErrorKind = "Internal"
)

// Sentinel errors shared across packages.
var (
	ErrPoolExhausted  = errors.New("browser pool exhausted")
	ErrPoolDraining   = errors.New("browser pool is draining")
	ErrLaunchFailed   = errors.New("browser launch failed")
	ErrJobNotFound    = errors.New("job not found")
	ErrJobExists      = errors.New("job already exists")
	ErrJobFinished    = errors.New("job already finished")
	ErrInvalidState   = errors.New("invalid job state transition")
	ErrQueueFull      = errors.New("job queue is full")
	ErrInvalidRequest = errors.New("invalid request")
	ErrShuttingDown   = errors.New("scheduler is shutting down")
)

// ScrapeError is returned by the pipeline. Snapshot optionally carries the
// page HTML observed when the error was raised.
type ScrapeError struct {
	Kind     ErrorKind
	Step     string
	Err      error
	Snapshot []byte
}

// NewScrapeError builds a ScrapeError for the given step.
func NewScrapeError(kind ErrorKind, step string, err error) *ScrapeError {
	return &ScrapeError{Kind: kind, Step: step, Err: err}
}

func (e *ScrapeError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s during %s: %v", e.Kind, e.Step, e.Err)
}

func (e *ScrapeError) Unwrap() error {
	return e.Err
}

// KindOf classifies any error returned by the pool or pipeline.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var scrapeErr *ScrapeError
	if errors.As(err, &scrapeErr) {
		return scrapeErr.Kind
	}
	switch {
	case errors.Is(err, ErrPoolExhausted):
		return KindPoolExhausted
	case errors.Is(err, ErrLaunchFailed):
		return KindNavigationFailed
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindInternal
	}
}

// SnapshotOf returns the page snapshot attached to err, if any.
func SnapshotOf(err error) []byte {
	var scrapeErr *ScrapeError
	if errors.As(err, &scrapeErr) {
		return scrapeErr.Snapshot
	}
	return nil
}
