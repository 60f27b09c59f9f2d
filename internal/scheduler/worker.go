package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/lens-scraper/internal/lens"
	"github.com/JakeFAU/lens-scraper/internal/logging"
	"github.com/JakeFAU/lens-scraper/internal/metrics"
	"github.com/JakeFAU/lens-scraper/internal/progress"
)

// outcome is the final state of one execution, shared by all subscribers.
type outcome struct {
	status   lens.JobStatus
	attempts int
	result   *lens.ExtractionResult
	err      *lens.JobError
}

// runFlight executes a dequeued flight and finalizes every subscribed job.
func (s *Scheduler) runFlight(ctx context.Context, item lens.QueueItem) {
	logger := logging.ForJob(s.Logger, item.LeaderID, item.Fingerprint).
		With(zap.Uint64("flight_id", item.FlightID))

	flightCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.cfg.JobDeadline > 0 {
		var stop context.CancelFunc
		flightCtx, stop = context.WithTimeoutCause(flightCtx, s.cfg.JobDeadline, errJobDeadline)
		defer stop()
	}
	s.Flights.SetCancel(item.FlightID, cancel)

	started := s.Clock.Now()
	for _, jobID := range s.Flights.Start(item.FlightID) {
		_, err := s.Jobs.TransitionJob(ctx, jobID, []lens.JobStatus{lens.JobStatusQueued},
			lens.JobUpdate{Status: lens.JobStatusRunning, At: started})
		if err != nil {
			// Cancelled while queued, or already gone.
			s.Flights.Leave(item.FlightID, jobID)
			continue
		}
		s.Progress.Emit(progress.Event{JobID: jobID, TS: started, Stage: progress.StageJobStart, Status: lens.JobStatusRunning})
	}
	if s.Flights.FinishIfEmpty(item.FlightID) {
		logger.Info("execution skipped; no subscribers left")
		return
	}

	out := s.execute(flightCtx, item, logger)

	if out.status == lens.JobStatusSucceeded && out.result != nil && s.Cache != nil {
		s.Cache.Put(item.Fingerprint, *out.result, s.cfg.CacheTTL)
	}
	subscribers, aborted := s.Flights.Finish(item.FlightID)
	if aborted && out.status != lens.JobStatusSucceeded {
		out = outcome{status: lens.JobStatusCancelled, attempts: out.attempts}
	}
	runtime := s.Clock.Now().Sub(started)
	for _, jobID := range subscribers {
		s.finalize(ctx, jobID, out, runtime)
	}
	logger.Info("execution finished",
		zap.String("status", string(out.status)),
		zap.Int("attempts", out.attempts),
		zap.Int("subscribers", len(subscribers)),
		zap.Duration("runtime", runtime),
	)
}

// execute runs attempts until success, a terminal error kind, the retry cap,
// or cancellation of ctx.
func (s *Scheduler) execute(ctx context.Context, item lens.QueueItem, logger *zap.Logger) outcome {
	var lastErr *lens.JobError
	for attempt := 1; ; attempt++ {
		s.recordAttempt(ctx, item.FlightID, attempt)

		begin := s.Clock.Now()
		lease, result, err := s.attempt(ctx, item.Request)
		kind := lens.KindOf(err)
		if err != nil && ctx.Err() != nil {
			kind = lens.KindCancelled
		}
		decision := s.Retry.Decide(kind, attempt)
		if lease != nil {
			s.Pool.Release(context.WithoutCancel(ctx), lease, s.healthy(ctx, lease, err, decision))
		}
		metrics.ObserveAttempt(string(kind))
		s.emitAttempt(item.FlightID, attempt, kind, result, s.Clock.Now().Sub(begin))

		if err == nil {
			return outcome{status: lens.JobStatusSucceeded, attempts: attempt, result: &result}
		}

		lastErr = &lens.JobError{Kind: kind, Message: err.Error(), Retryable: lens.Retryable(kind)}
		if kind == lens.KindParseFailed || kind == lens.KindBlockedByTarget {
			lastErr.SnapshotURI = s.storeSnapshot(ctx, item.LeaderID, attempt, lens.SnapshotOf(err), logger)
		}
		logger.Warn("attempt failed",
			zap.Int("attempt", attempt),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)

		if ctx.Err() != nil {
			return s.interrupted(ctx, attempt)
		}
		if !decision.Retry {
			return outcome{status: decision.Terminal, attempts: attempt, err: lastErr}
		}
		if err := s.Sleeper.Sleep(ctx, decision.Backoff); err != nil {
			return s.interrupted(ctx, attempt)
		}
	}
}

// attempt runs the pipeline once on a leased context. The caller releases the
// lease once it knows the retry decision; lease is nil when acquire failed.
func (s *Scheduler) attempt(ctx context.Context, req lens.Request) (lens.Lease, lens.ExtractionResult, error) {
	lease, err := s.Pool.Acquire(ctx, s.cfg.AcquireTimeout)
	if err != nil {
		return nil, lens.ExtractionResult{}, fmt.Errorf("acquire browser context: %w", err)
	}
	result, err := s.Executor.Execute(ctx, lease, req)
	return lease, result, err
}

// healthy decides whether a context may be reused after an attempt.
func (s *Scheduler) healthy(ctx context.Context, lease lens.Lease, err error, decision lens.Decision) bool {
	if decision.Rotate {
		return false
	}
	if err != nil && ctx.Err() != nil {
		// Interrupted mid-attempt; page state is unknown.
		return false
	}
	switch lens.KindOf(err) {
	case lens.KindNone, lens.KindParseFailed:
		return true
	case lens.KindTimeout:
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ProbeTimeout)
		defer cancel()
		return lease.Probe(probeCtx) == nil
	case lens.KindNavigationFailed:
		return lease.NavigationFailed() < s.cfg.MaxNavFailures
	default:
		return false
	}
}

// interrupted maps a done execution context to cancelled, timed out, or a
// retryable failure when the service is stopping.
func (s *Scheduler) interrupted(ctx context.Context, attempts int) outcome {
	cause := context.Cause(ctx)
	if errors.Is(cause, lens.ErrShuttingDown) {
		return outcome{
			status:   lens.JobStatusFailed,
			attempts: attempts,
			err:      &lens.JobError{Kind: lens.KindInternal, Message: cause.Error(), Retryable: true},
		}
	}
	if errors.Is(cause, errJobDeadline) {
		return outcome{
			status:   lens.JobStatusTimedOut,
			attempts: attempts,
			err:      &lens.JobError{Kind: lens.KindTimeout, Message: errJobDeadline.Error(), Retryable: true},
		}
	}
	return outcome{status: lens.JobStatusCancelled, attempts: attempts}
}

func (s *Scheduler) recordAttempt(ctx context.Context, flightID uint64, attempt int) {
	for _, jobID := range s.Flights.Subscribers(flightID) {
		_, err := s.Jobs.TransitionJob(context.WithoutCancel(ctx), jobID, []lens.JobStatus{lens.JobStatusRunning},
			lens.JobUpdate{Status: lens.JobStatusRunning, Attempts: attempt, At: s.Clock.Now()})
		if err != nil && !errors.Is(err, lens.ErrInvalidState) {
			s.Logger.Warn("record attempt failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}

func (s *Scheduler) emitAttempt(flightID uint64, attempt int, kind lens.ErrorKind, result lens.ExtractionResult, d time.Duration) {
	now := s.Clock.Now()
	for _, jobID := range s.Flights.Subscribers(flightID) {
		s.Progress.Emit(progress.Event{
			JobID:   jobID,
			TS:      now,
			Stage:   progress.StageAttemptDone,
			Attempt: attempt,
			Kind:    kind,
			Status:  lens.JobStatusRunning,
			Matches: len(result.Matches),
			Dur:     d,
		})
	}
}

// storeSnapshot writes the page HTML for a failed attempt and returns its URI.
func (s *Scheduler) storeSnapshot(ctx context.Context, jobID string, attempt int, html []byte, logger *zap.Logger) string {
	if s.Blobs == nil || len(html) == 0 {
		return ""
	}
	path := fmt.Sprintf("%s/%s/%d.html", s.cfg.SnapshotPrefix, jobID, attempt)
	uri, err := s.Blobs.PutObject(context.WithoutCancel(ctx), path, "text/html; charset=utf-8", bytes.NewReader(html))
	if err != nil {
		logger.Warn("store snapshot failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	return uri
}

// finalize moves one subscriber to its terminal status.
func (s *Scheduler) finalize(ctx context.Context, jobID string, out outcome, runtime time.Duration) {
	ctx = context.WithoutCancel(ctx)
	update := lens.JobUpdate{
		Status:   out.status,
		At:       s.Clock.Now(),
		Attempts: out.attempts,
		Error:    out.err,
	}
	if out.result != nil {
		result := out.result.Clone()
		update.Result = &result
	}
	job, err := s.Jobs.TransitionJob(ctx, jobID,
		[]lens.JobStatus{lens.JobStatusQueued, lens.JobStatusRunning}, update)
	if err != nil {
		if !errors.Is(err, lens.ErrInvalidState) {
			s.Logger.Error("finalize job failed", zap.String("job_id", jobID), zap.Error(err))
		}
		return
	}
	s.jobFinished(ctx, job, runtime)
}
