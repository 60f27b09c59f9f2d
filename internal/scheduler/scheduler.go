// Package scheduler owns the scrape job lifecycle: submission, coalescing of
// identical requests, FIFO dispatch to workers, retries, and cancellation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/lens-scraper/internal/cache"
	"github.com/JakeFAU/lens-scraper/internal/lens"
	"github.com/JakeFAU/lens-scraper/internal/logging"
	"github.com/JakeFAU/lens-scraper/internal/metrics"
	"github.com/JakeFAU/lens-scraper/internal/progress"
)

// Config controls dispatch and per-job budgets.
type Config struct {
	// Workers is the number of concurrent executions. Zero means one.
	Workers        int
	AcquireTimeout time.Duration
	// ProbeTimeout bounds the liveness probe run after an attempt timed out.
	ProbeTimeout time.Duration
	// MaxNavFailures is the consecutive navigation failure count at which a
	// context is released unhealthy.
	MaxNavFailures int
	// JobDeadline bounds all attempts and backoff of one execution.
	JobDeadline     time.Duration
	CacheTTL        time.Duration
	Retention       time.Duration
	JanitorInterval time.Duration
	SnapshotPrefix  string
	Topic           string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.MaxNavFailures <= 0 {
		c.MaxNavFailures = 2
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = time.Minute
	}
	if c.SnapshotPrefix == "" {
		c.SnapshotPrefix = "snapshots"
	}
	return c
}

// Sleeper waits between attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Deps are the collaborators a Scheduler drives. Cache, Prober, Blobs,
// Publisher and Progress are optional.
type Deps struct {
	Pool      lens.Pool
	Executor  lens.Executor
	Queue     lens.Queue
	Jobs      lens.JobStore
	Flights   *cache.Flights
	Cache     *cache.Cache
	Retry     *lens.RetryPolicy
	Hasher    lens.Hasher
	IDs       lens.IDGenerator
	Clock     lens.Clock
	Sleeper   Sleeper
	Prober    lens.ImageProber
	Blobs     lens.BlobStore
	Publisher lens.Publisher
	Progress  progress.Emitter
	Logger    *zap.Logger
}

// Scheduler accepts jobs and runs them on a fixed set of workers.
type Scheduler struct {
	cfg Config
	Deps

	mu      sync.Mutex
	changed chan struct{}

	// Set while Run is active.
	closing      bool
	stopDispatch context.CancelFunc
	abort        context.CancelCauseFunc
	workersDone  chan struct{}
}

var errJobDeadline = errors.New("job deadline exceeded")

// New validates deps and builds a Scheduler. Call Run to start workers.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	switch {
	case deps.Pool == nil:
		return nil, errors.New("scheduler: pool is required")
	case deps.Executor == nil:
		return nil, errors.New("scheduler: executor is required")
	case deps.Queue == nil:
		return nil, errors.New("scheduler: queue is required")
	case deps.Jobs == nil:
		return nil, errors.New("scheduler: job store is required")
	case deps.Hasher == nil:
		return nil, errors.New("scheduler: hasher is required")
	case deps.IDs == nil:
		return nil, errors.New("scheduler: id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("scheduler: clock is required")
	case deps.Sleeper == nil:
		return nil, errors.New("scheduler: sleeper is required")
	}
	if deps.Flights == nil {
		deps.Flights = cache.NewFlights()
	}
	if deps.Retry == nil {
		deps.Retry = lens.NewRetryPolicy(lens.RetryConfig{})
	}
	if deps.Progress == nil {
		deps.Progress = progress.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Logger = deps.Logger.Named("scheduler")
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		Deps:    deps,
		changed: make(chan struct{}),
	}, nil
}

// Submit validates req and registers a job. A cached result finishes the job
// immediately; otherwise the job joins the in-flight execution for the same
// fingerprint or starts a new one.
func (s *Scheduler) Submit(ctx context.Context, req lens.Request) (lens.Job, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return lens.Job{}, err
	}
	if s.isClosing() {
		return lens.Job{}, lens.ErrShuttingDown
	}
	fingerprint, err := s.fingerprint(ctx, req)
	if err != nil {
		return lens.Job{}, err
	}
	id, err := s.IDs.NewID()
	if err != nil {
		return lens.Job{}, fmt.Errorf("new job id: %w", err)
	}
	now := s.Clock.Now()
	logger := logging.ForJob(s.Logger, id, fingerprint)

	if s.Cache != nil {
		if result, ok := s.Cache.Get(fingerprint); ok {
			job := lens.Job{
				ID:          id,
				Fingerprint: fingerprint,
				Request:     req,
				Status:      lens.JobStatusSucceeded,
				FromCache:   true,
				SubmittedAt: now,
				StartedAt:   &now,
				FinishedAt:  &now,
				Result:      &result,
			}
			if err := s.Jobs.CreateJob(ctx, job); err != nil {
				return lens.Job{}, fmt.Errorf("create job: %w", err)
			}
			logger.Info("job served from cache", zap.Int("matches", len(result.Matches)))
			s.jobFinished(ctx, job, 0)
			return s.Jobs.GetJob(ctx, id)
		}
	}

	job := lens.Job{
		ID:          id,
		Fingerprint: fingerprint,
		Request:     req,
		Status:      lens.JobStatusQueued,
		SubmittedAt: now,
	}
	if err := s.Jobs.CreateJob(ctx, job); err != nil {
		return lens.Job{}, fmt.Errorf("create job: %w", err)
	}
	s.Progress.Emit(progress.Event{JobID: id, TS: now, Stage: progress.StageJobQueued, Status: lens.JobStatusQueued})

	m := s.Flights.Join(fingerprint, id)
	switch {
	case m.Leader:
		item := lens.QueueItem{
			FlightID:    m.FlightID,
			Fingerprint: fingerprint,
			LeaderID:    id,
			Request:     req,
			Submitted:   now,
		}
		if err := s.Queue.Enqueue(ctx, item); err != nil {
			s.rejectFlight(ctx, m.FlightID, err)
			return lens.Job{}, fmt.Errorf("enqueue job %s: %w", id, err)
		}
		s.reportQueueDepth()
		logger.Info("job queued")
	case m.Started:
		// The execution is already running; join it as running.
		if _, err := s.Jobs.TransitionJob(ctx, id, []lens.JobStatus{lens.JobStatusQueued},
			lens.JobUpdate{Status: lens.JobStatusRunning, At: s.Clock.Now()}); err == nil {
			s.Progress.Emit(progress.Event{JobID: id, TS: s.Clock.Now(), Stage: progress.StageJobStart, Status: lens.JobStatusRunning})
		} else if !errors.Is(err, lens.ErrInvalidState) {
			logger.Warn("mark joined job running failed", zap.Error(err))
		}
		logger.Info("job joined running execution", zap.Uint64("flight_id", m.FlightID))
	default:
		logger.Info("job joined queued execution", zap.Uint64("flight_id", m.FlightID))
	}
	return s.Jobs.GetJob(ctx, id)
}

// Get returns the current snapshot of a job.
func (s *Scheduler) Get(ctx context.Context, id string) (lens.Job, error) {
	job, err := s.Jobs.GetJob(ctx, id)
	if err != nil {
		return lens.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Wait blocks until the job is terminal or ctx ends.
func (s *Scheduler) Wait(ctx context.Context, id string) (lens.Job, error) {
	for {
		s.mu.Lock()
		changed := s.changed
		s.mu.Unlock()

		job, err := s.Get(ctx, id)
		if err != nil {
			return lens.Job{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return job, fmt.Errorf("wait for job %s: %w", id, ctx.Err())
		}
	}
}

// Cancel stops a job. Queued jobs are cancelled synchronously and never run.
// A running job that is the only subscriber of its execution aborts the
// execution and becomes cancelled once its lease is released; the returned
// snapshot may still say running. A running job sharing its execution
// detaches and is cancelled immediately.
func (s *Scheduler) Cancel(ctx context.Context, id string) (lens.Job, error) {
	// Status can move under us between the read and the conditional write;
	// a few rounds settle it.
	for range 3 {
		job, err := s.Get(ctx, id)
		if err != nil {
			return lens.Job{}, err
		}
		switch job.Status {
		case lens.JobStatusQueued:
			updated, err := s.cancelJob(ctx, id, lens.JobStatusQueued)
			if errors.Is(err, lens.ErrInvalidState) {
				continue
			}
			return updated, err
		case lens.JobStatusRunning:
			flightID, ok := s.Flights.Of(id)
			if ok && s.Flights.CancelIfSole(flightID, id) {
				s.Logger.Info("running job cancelled", zap.String("job_id", id), zap.Uint64("flight_id", flightID))
				return job, nil
			}
			updated, err := s.cancelJob(ctx, id, lens.JobStatusRunning)
			if errors.Is(err, lens.ErrInvalidState) {
				continue
			}
			return updated, err
		default:
			return job, fmt.Errorf("cancel job %s: %w", id, lens.ErrJobFinished)
		}
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return lens.Job{}, err
	}
	if job.Status.Terminal() {
		return job, fmt.Errorf("cancel job %s: %w", id, lens.ErrJobFinished)
	}
	return job, nil
}

func (s *Scheduler) cancelJob(ctx context.Context, id string, from lens.JobStatus) (lens.Job, error) {
	updated, err := s.Jobs.TransitionJob(ctx, id, []lens.JobStatus{from},
		lens.JobUpdate{Status: lens.JobStatusCancelled, At: s.Clock.Now()})
	if err != nil {
		return updated, fmt.Errorf("cancel job %s: %w", id, err)
	}
	if flightID, ok := s.Flights.Of(id); ok {
		s.Flights.Leave(flightID, id)
	}
	s.Logger.Info("job cancelled", zap.String("job_id", id), zap.String("from", string(from)))
	s.jobFinished(ctx, updated, 0)
	return updated, nil
}

// Run starts the workers and the janitor and blocks until ctx ends and every
// worker has returned. Ending ctx aborts running executions; use Shutdown
// first to let them finish.
func (s *Scheduler) Run(ctx context.Context) {
	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	dispatchCtx, stopDispatch := context.WithCancel(runCtx)
	defer stopDispatch()

	done := make(chan struct{})
	s.mu.Lock()
	s.stopDispatch = stopDispatch
	s.abort = abort
	s.workersDone = done
	if s.closing {
		stopDispatch()
	}
	s.mu.Unlock()

	var workers sync.WaitGroup
	for i := range s.cfg.Workers {
		workers.Add(1)
		go func(n int) {
			defer workers.Done()
			s.worker(dispatchCtx, runCtx, n)
		}(i)
	}
	go func() {
		workers.Wait()
		close(done)
	}()

	var janitor sync.WaitGroup
	janitor.Add(1)
	go func() {
		defer janitor.Done()
		s.janitor(runCtx)
	}()
	<-ctx.Done()
	<-done
	janitor.Wait()
}

// Shutdown stops accepting jobs and dispatching queued executions, waits for
// running executions to finish until ctx ends (then aborts them), and fails
// every execution still queued so none is left waiting.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	abort, done := s.abort, s.workersDone
	if s.stopDispatch != nil {
		s.stopDispatch()
	}
	s.mu.Unlock()

	var waitErr error
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			waitErr = fmt.Errorf("wait for running jobs: %w", ctx.Err())
			abort(lens.ErrShuttingDown)
			<-done
		}
	}

	s.Queue.Close()
	rejected := 0
	for {
		item, err := s.Queue.Dequeue(context.WithoutCancel(ctx))
		if err != nil {
			break
		}
		rejected += s.rejectFlight(ctx, item.FlightID, lens.ErrShuttingDown)
	}
	s.Logger.Info("scheduler stopped", zap.Int("rejected_jobs", rejected))
	return waitErr
}

func (s *Scheduler) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// worker dequeues on dispatchCtx and runs executions on runCtx, so stopping
// dispatch lets the current execution finish.
func (s *Scheduler) worker(dispatchCtx, runCtx context.Context, n int) {
	logger := s.Logger.With(zap.Int("worker", n))
	for {
		item, err := s.Queue.Dequeue(dispatchCtx)
		if err != nil {
			if dispatchCtx.Err() == nil && !errors.Is(err, lens.ErrShuttingDown) {
				logger.Error("queue dequeue failed", zap.Error(err))
			}
			return
		}
		if dispatchCtx.Err() != nil {
			// Dequeue raced with Shutdown.
			s.rejectFlight(runCtx, item.FlightID, lens.ErrShuttingDown)
			return
		}
		s.reportQueueDepth()
		metrics.IncActiveWorkers()
		s.runFlight(runCtx, item)
		metrics.DecActiveWorkers()
	}
}

func (s *Scheduler) janitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep prunes expired jobs and cache entries.
func (s *Scheduler) Sweep(ctx context.Context) {
	if s.cfg.Retention > 0 {
		cutoff := s.Clock.Now().Add(-s.cfg.Retention)
		n, err := s.Jobs.PruneJobs(ctx, cutoff)
		if err != nil {
			s.Logger.Warn("prune jobs failed", zap.Error(err))
		} else if n > 0 {
			s.Logger.Debug("pruned jobs", zap.Int("count", n))
		}
	}
	if s.Cache != nil {
		if n := s.Cache.Sweep(); n > 0 {
			s.Logger.Debug("swept cache", zap.Int("count", n))
		}
	}
}

// fingerprint hashes the search type plus the image identity. With a prober
// configured, URL requests are identified by their downloaded bytes.
func (s *Scheduler) fingerprint(ctx context.Context, req lens.Request) (string, error) {
	digest := ""
	if s.Prober != nil && req.ImageURL != "" {
		d, err := s.Prober.Probe(ctx, req.ImageURL)
		switch {
		case errors.Is(err, lens.ErrInvalidRequest):
			return "", err
		case err != nil:
			s.Logger.Warn("image probe failed; fingerprinting by url", zap.String("image_url", req.ImageURL), zap.Error(err))
		default:
			digest = d
		}
	}
	fp, err := s.Hasher.Hash(req.FingerprintInput(digest))
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return fp, nil
}

// rejectFlight fails every job that joined a flight that never ran and
// returns how many it failed.
func (s *Scheduler) rejectFlight(ctx context.Context, flightID uint64, cause error) int {
	ctx = context.WithoutCancel(ctx)
	jobErr := &lens.JobError{Kind: lens.KindInternal, Message: cause.Error(), Retryable: true}
	failed := 0
	for _, jobID := range s.Flights.Abandon(flightID) {
		job, err := s.Jobs.TransitionJob(ctx, jobID, []lens.JobStatus{lens.JobStatusQueued},
			lens.JobUpdate{Status: lens.JobStatusFailed, At: s.Clock.Now(), Error: jobErr})
		if err != nil {
			s.Logger.Warn("reject job failed", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		failed++
		s.jobFinished(ctx, job, 0)
	}
	return failed
}

// jobFinished reports a terminal job to metrics, progress, the publisher and
// any waiters.
func (s *Scheduler) jobFinished(ctx context.Context, job lens.Job, runtime time.Duration) {
	metrics.ObserveJob(string(job.Status))
	evt := progress.Event{
		JobID:     job.ID,
		TS:        s.Clock.Now(),
		Stage:     progress.StageFor(job.Status),
		Attempt:   job.Attempts,
		Status:    job.Status,
		FromCache: job.FromCache,
		Dur:       runtime,
	}
	if job.Result != nil {
		evt.Matches = len(job.Result.Matches)
	}
	if job.Error != nil {
		evt.Kind = job.Error.Kind
		evt.Note = job.Error.Message
	}
	if evt.Stage == progress.StageJobError && evt.Kind == lens.KindNone {
		evt.Kind = lens.KindInternal
	}
	s.Progress.Emit(evt)

	if s.Publisher != nil && s.cfg.Topic != "" {
		if _, err := s.Publisher.Publish(context.WithoutCancel(ctx), s.cfg.Topic, lens.CompletionOf(job)); err != nil {
			s.Logger.Warn("publish completion failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	s.notify()
}

func (s *Scheduler) notify() {
	s.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

func (s *Scheduler) reportQueueDepth() {
	if q, ok := s.Queue.(interface{ Len() int }); ok {
		metrics.SetQueueDepth(q.Len())
	}
}
