package lens

import (
	"context"
	"io"
	"time"
)

// PageResponse describes the main document response of a navigation.
type PageResponse struct {
	Status int
	URL    string
}

// Page is the browser automation surface the pipeline drives. Implementations
// act on exactly one isolated browser context.
type Page interface {
	Navigate(ctx context.Context, url string) (PageResponse, error)
	Evaluate(ctx context.Context, script string, out any) error
	HTML(ctx context.Context) (string, error)
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	SetUploadFiles(ctx context.Context, selector string, paths []string) error
}

// Lease is a browser context checked out of the pool.
type Lease interface {
	Page
	ID() string
	// NavigationFailed records a failed navigation and returns the number of
	// consecutive failures observed on this context.
	NavigationFailed() int
	// Probe checks that the underlying browser still responds.
	Probe(ctx context.Context) error
}

// Pool hands out browser contexts with bounded concurrency.
type Pool interface {
	Acquire(ctx context.Context, timeout time.Duration) (Lease, error)
	Release(ctx context.Context, lease Lease, healthy bool)
}

// Executor runs the navigation and extraction pipeline against one page.
type Executor interface {
	Execute(ctx context.Context, page Page, req Request) (ExtractionResult, error)
}

// JobStore persists jobs and enforces the status state machine.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// TransitionJob applies update only when the current status is one of from.
	// It returns ErrInvalidState otherwise.
	TransitionJob(ctx context.Context, jobID string, from []JobStatus, update JobUpdate) (Job, error)
	PruneJobs(ctx context.Context, finishedBefore time.Time) (int, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides FIFO enqueue/dequeue semantics for executions. After Close,
// Dequeue hands out the remaining items and then fails without blocking.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
	Close()
}

// Pacer throttles navigations toward a target host.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// ImageProber downloads an image URL and returns a content digest.
type ImageProber interface {
	Probe(ctx context.Context, imageURL string) (string, error)
}

// Hasher computes digests for fingerprints and snapshots.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
