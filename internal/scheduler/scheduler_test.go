package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/lens-scraper/internal/cache"
	"github.com/JakeFAU/lens-scraper/internal/clock/system"
	"github.com/JakeFAU/lens-scraper/internal/hash/sha256"
	"github.com/JakeFAU/lens-scraper/internal/id/uuid"
	"github.com/JakeFAU/lens-scraper/internal/lens"
	"github.com/JakeFAU/lens-scraper/internal/progress"
	pubmemory "github.com/JakeFAU/lens-scraper/internal/publisher/memory"
	queuememory "github.com/JakeFAU/lens-scraper/internal/queue/memory"
	storememory "github.com/JakeFAU/lens-scraper/internal/storage/memory"
)

type fakeLease struct {
	id       string
	navFails int
	probeErr error
}

func (l *fakeLease) Navigate(context.Context, string) (lens.PageResponse, error) {
	return lens.PageResponse{Status: 200}, nil
}
func (l *fakeLease) Evaluate(context.Context, string, any) error            { return nil }
func (l *fakeLease) HTML(context.Context) (string, error)                   { return "", nil }
func (l *fakeLease) Fill(context.Context, string, string) error             { return nil }
func (l *fakeLease) Click(context.Context, string) error                    { return nil }
func (l *fakeLease) SetUploadFiles(context.Context, string, []string) error { return nil }
func (l *fakeLease) ID() string                                             { return l.id }
func (l *fakeLease) Probe(context.Context) error                            { return l.probeErr }
func (l *fakeLease) NavigationFailed() int {
	l.navFails++
	return l.navFails
}

// fakePool hands out at most cap(sem) leases and records unhealthy releases.
type fakePool struct {
	sem       chan struct{}
	exhausted bool

	mu         sync.Mutex
	seq        int
	idle       []*fakeLease
	leased     map[string]bool
	destroyed  map[string]bool
	violations int
	acquired   int
}

func newFakePool(capacity int) *fakePool {
	return &fakePool{
		sem:       make(chan struct{}, capacity),
		leased:    make(map[string]bool),
		destroyed: make(map[string]bool),
	}
}

func (p *fakePool) Acquire(ctx context.Context, timeout time.Duration) (lens.Lease, error) {
	if p.exhausted {
		return nil, fmt.Errorf("acquire: %w", lens.ErrPoolExhausted)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p.sem <- struct{}{}:
	case <-timer.C:
		return nil, lens.ErrPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var l *fakeLease
	if n := len(p.idle); n > 0 {
		l = p.idle[n-1]
		p.idle = p.idle[:n-1]
	} else {
		p.seq++
		l = &fakeLease{id: fmt.Sprintf("ctx-%d", p.seq)}
	}
	if p.destroyed[l.id] {
		p.violations++
	}
	p.leased[l.id] = true
	p.acquired++
	return l, nil
}

func (p *fakePool) Release(_ context.Context, lease lens.Lease, healthy bool) {
	l := lease.(*fakeLease)
	p.mu.Lock()
	delete(p.leased, l.id)
	if healthy {
		p.idle = append(p.idle, l)
	} else {
		p.destroyed[l.id] = true
	}
	p.mu.Unlock()
	<-p.sem
}

func (p *fakePool) stats() (leased, destroyed, violations int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leased), len(p.destroyed), p.violations
}

type execFunc func(ctx context.Context, lease *fakeLease, req lens.Request, call int) (lens.ExtractionResult, error)

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	fn    execFunc
}

func (e *fakeExecutor) Execute(ctx context.Context, page lens.Page, req lens.Request) (lens.ExtractionResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, req.ImageURL)
	call := len(e.calls)
	e.mu.Unlock()
	if e.fn == nil {
		return resultFor(req), nil
	}
	return e.fn(ctx, page.(*fakeLease), req, call)
}

func (e *fakeExecutor) urls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func resultFor(req lens.Request) lens.ExtractionResult {
	return lens.ExtractionResult{
		Matches: []lens.Match{{
			Rank:   1,
			URL:    "https://shop.example.com/item",
			Title:  "Item for " + req.ImageURL,
			Source: "shop.example.com",
		}},
		SearchType: req.SearchType,
		Strategy:   lens.StrategyPrimary,
	}
}

type instantSleeper struct{}

func (instantSleeper) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stagesFor(jobID string) []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Stage
	for _, evt := range r.events {
		if evt.JobID == jobID {
			out = append(out, evt.Stage)
		}
	}
	return out
}

type harness struct {
	sched  *Scheduler
	pool   *fakePool
	exec   *fakeExecutor
	jobs   *storememory.JobStore
	blobs  *storememory.BlobStore
	pub    *pubmemory.Publisher
	events *recordingEmitter
	cache  *cache.Cache
}

func newHarness(t *testing.T, cfg Config, pool *fakePool, exec *fakeExecutor, mods ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		pool:   pool,
		exec:   exec,
		jobs:   storememory.NewJobStore(),
		blobs:  storememory.NewBlobStore(),
		pub:    pubmemory.New(),
		events: &recordingEmitter{},
		cache:  cache.New(nil),
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.Topic == "" {
		cfg.Topic = "lens-completions"
	}
	deps := Deps{
		Pool:      pool,
		Executor:  exec,
		Queue:     queuememory.NewQueue(16),
		Jobs:      h.jobs,
		Cache:     h.cache,
		Retry:     lens.NewRetryPolicy(lens.RetryConfig{MaxAttempts: 3, BlockedMaxAttempts: 2}),
		Hasher:    sha256.New(),
		IDs:       uuid.New(),
		Clock:     system.New(),
		Sleeper:   instantSleeper{},
		Blobs:     h.blobs,
		Publisher: h.pub,
		Progress:  h.events,
	}
	for _, mod := range mods {
		mod(&deps)
	}
	sched, err := New(cfg, deps)
	require.NoError(t, err)
	h.sched = sched
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) submit(t *testing.T, url string) lens.Job {
	t.Helper()
	job, err := h.sched.Submit(context.Background(), lens.Request{ImageURL: url})
	require.NoError(t, err)
	return job
}

func (h *harness) wait(t *testing.T, id string) lens.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := h.sched.Wait(ctx, id)
	require.NoError(t, err)
	return job
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, Config{}, newFakePool(1), &fakeExecutor{})

	_, err := h.sched.Submit(context.Background(), lens.Request{})
	require.ErrorIs(t, err, lens.ErrInvalidRequest)

	_, err = h.sched.Submit(context.Background(), lens.Request{ImageURL: "ftp://example.com/a.png"})
	require.ErrorIs(t, err, lens.ErrInvalidRequest)
	require.Zero(t, h.jobs.Len())
}

func TestSubmitRunsJobToSuccess(t *testing.T) {
	h := newHarness(t, Config{}, newFakePool(1), &fakeExecutor{})
	h.start(t)

	job := h.submit(t, "https://img.example.com/cat.jpg")
	require.Equal(t, lens.SearchAll, job.Request.SearchType)

	done := h.wait(t, job.ID)
	require.Equal(t, lens.JobStatusSucceeded, done.Status)
	require.Equal(t, 1, done.Attempts)
	require.NotNil(t, done.Result)
	require.Len(t, done.Result.Matches, 1)
	require.Nil(t, done.Error)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.FinishedAt)
	require.False(t, done.FromCache)

	require.Eventually(t, func() bool { return h.pub.Len() == 1 }, time.Second, 10*time.Millisecond)
	msg := h.pub.Messages()[0]
	require.Equal(t, "lens-completions", msg.Topic)
	completion, ok := msg.Payload.(lens.JobCompletion)
	require.True(t, ok)
	require.Equal(t, job.ID, completion.JobID)
	require.Equal(t, 1, completion.Matches)

	require.Eventually(t, func() bool {
		return len(h.events.stagesFor(job.ID)) == 4
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []progress.Stage{
		progress.StageJobQueued,
		progress.StageJobStart,
		progress.StageAttemptDone,
		progress.StageJobDone,
	}, h.events.stagesFor(job.ID))

	leased, destroyed, _ := h.pool.stats()
	require.Zero(t, leased)
	require.Zero(t, destroyed)
}

func TestJobsStartInSubmissionOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	exec := &fakeExecutor{fn: func(ctx context.Context, _ *fakeLease, req lens.Request, _ int) (lens.ExtractionResult, error) {
		mu.Lock()
		order = append(order, req.ImageURL)
		mu.Unlock()
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return lens.ExtractionResult{}, ctx.Err()
		}
		return resultFor(req), nil
	}}
	h := newHarness(t, Config{Workers: 1}, newFakePool(1), exec)

	urls := []string{
		"https://img.example.com/1.jpg",
		"https://img.example.com/2.jpg",
		"https://img.example.com/3.jpg",
	}
	var ids []string
	for _, u := range urls {
		ids = append(ids, h.submit(t, u).ID)
	}

	begin := time.Now()
	h.start(t)
	for _, id := range ids {
		require.Equal(t, lens.JobStatusSucceeded, h.wait(t, id).Status)
	}
	require.GreaterOrEqual(t, time.Since(begin), 300*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, urls, order)
}

func TestParseFailedIsNotRetried(t *testing.T) {
	exec := &fakeExecutor{fn: func(context.Context, *fakeLease, lens.Request, int) (lens.ExtractionResult, error) {
		err := lens.NewScrapeError(lens.KindParseFailed, "parse", errors.New("no result container"))
		err.Snapshot = []byte("<html>changed layout</html>")
		return lens.ExtractionResult{}, err
	}}
	h := newHarness(t, Config{}, newFakePool(1), exec)
	h.start(t)

	job := h.submit(t, "https://img.example.com/dog.jpg")
	done := h.wait(t, job.ID)

	require.Equal(t, lens.JobStatusFailed, done.Status)
	require.Equal(t, 1, done.Attempts)
	require.Len(t, exec.urls(), 1)
	require.NotNil(t, done.Error)
	require.Equal(t, lens.KindParseFailed, done.Error.Kind)
	require.False(t, done.Error.Retryable)
	require.Equal(t, "memory://snapshots/"+job.ID+"/1.html", done.Error.SnapshotURI)

	data, contentType, ok := h.blobs.Get("snapshots/" + job.ID + "/1.html")
	require.True(t, ok)
	require.Contains(t, string(data), "changed layout")
	require.Contains(t, contentType, "text/html")

	// A layout change is not the browser's fault.
	_, destroyed, _ := h.pool.stats()
	require.Zero(t, destroyed)
}

func TestPoolExhaustedFailsWithoutLeakingContexts(t *testing.T) {
	pool := newFakePool(1)
	pool.exhausted = true
	exec := &fakeExecutor{}
	h := newHarness(t, Config{}, pool, exec)
	h.start(t)

	job := h.submit(t, "https://img.example.com/busy.jpg")
	done := h.wait(t, job.ID)

	require.Equal(t, lens.JobStatusFailed, done.Status)
	require.Equal(t, 3, done.Attempts)
	require.NotNil(t, done.Error)
	require.Equal(t, lens.KindPoolExhausted, done.Error.Kind)
	require.True(t, done.Error.Retryable)
	require.Empty(t, exec.urls())

	leased, _, _ := h.pool.stats()
	require.Zero(t, leased)
}

func TestBlockedJobStopsAtBlockedCap(t *testing.T) {
	exec := &fakeExecutor{fn: func(context.Context, *fakeLease, lens.Request, int) (lens.ExtractionResult, error) {
		return lens.ExtractionResult{}, lens.NewScrapeError(lens.KindBlockedByTarget, "render", errors.New("captcha interstitial"))
	}}
	h := newHarness(t, Config{}, newFakePool(2), exec)
	h.start(t)

	job := h.submit(t, "https://img.example.com/blocked.jpg")
	done := h.wait(t, job.ID)

	require.Equal(t, lens.JobStatusFailed, done.Status)
	require.Equal(t, 2, done.Attempts)
	require.Len(t, exec.urls(), 2)
	require.Equal(t, lens.KindBlockedByTarget, done.Error.Kind)

	leased, destroyed, violations := h.pool.stats()
	require.Zero(t, leased)
	require.Equal(t, 2, destroyed)
	require.Zero(t, violations, "an unhealthy context was leased again")
}

func TestNavigationFailuresRetireContextAtThreshold(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	exec := &fakeExecutor{fn: func(_ context.Context, lease *fakeLease, req lens.Request, call int) (lens.ExtractionResult, error) {
		mu.Lock()
		seen = append(seen, lease.id)
		mu.Unlock()
		if call <= 2 {
			return lens.ExtractionResult{}, lens.NewScrapeError(lens.KindNavigationFailed, "navigate", errors.New("net::ERR_CONNECTION_RESET"))
		}
		return resultFor(req), nil
	}}
	h := newHarness(t, Config{MaxNavFailures: 2}, newFakePool(1), exec)
	h.start(t)

	job := h.submit(t, "https://img.example.com/flaky.jpg")
	done := h.wait(t, job.ID)

	require.Equal(t, lens.JobStatusSucceeded, done.Status)
	require.Equal(t, 3, done.Attempts)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	require.Equal(t, seen[0], seen[1])
	require.NotEqual(t, seen[1], seen[2])

	_, destroyed, violations := h.pool.stats()
	require.Equal(t, 1, destroyed)
	require.Zero(t, violations)
}

func TestTimeoutProbesContextBeforeReuse(t *testing.T) {
	exec := &fakeExecutor{fn: func(_ context.Context, lease *fakeLease, req lens.Request, call int) (lens.ExtractionResult, error) {
		if call == 1 {
			lease.probeErr = errors.New("target closed")
			return lens.ExtractionResult{}, lens.NewScrapeError(lens.KindTimeout, "render", context.DeadlineExceeded)
		}
		return resultFor(req), nil
	}}
	h := newHarness(t, Config{}, newFakePool(1), exec)
	h.start(t)

	done := h.wait(t, h.submit(t, "https://img.example.com/slow.jpg").ID)
	require.Equal(t, lens.JobStatusSucceeded, done.Status)
	require.Equal(t, 2, done.Attempts)

	_, destroyed, violations := h.pool.stats()
	require.Equal(t, 1, destroyed)
	require.Zero(t, violations)
}

func TestJobDeadlineTimesOut(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, _ *fakeLease, _ lens.Request, _ int) (lens.ExtractionResult, error) {
		<-ctx.Done()
		return lens.ExtractionResult{}, ctx.Err()
	}}
	h := newHarness(t, Config{JobDeadline: 50 * time.Millisecond}, newFakePool(1), exec)
	h.start(t)

	done := h.wait(t, h.submit(t, "https://img.example.com/hang.jpg").ID)
	require.Equal(t, lens.JobStatusTimedOut, done.Status)
	require.NotNil(t, done.Error)
	require.Equal(t, lens.KindTimeout, done.Error.Kind)
}

func TestCancelQueuedJobNeverRuns(t *testing.T) {
	gate := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, _ *fakeLease, req lens.Request, _ int) (lens.ExtractionResult, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return lens.ExtractionResult{}, ctx.Err()
		}
		return resultFor(req), nil
	}}
	h := newHarness(t, Config{Workers: 1}, newFakePool(1), exec)
	h.start(t)

	first := h.submit(t, "https://img.example.com/first.jpg")
	second := h.submit(t, "https://img.example.com/second.jpg")

	cancelled, err := h.sched.Cancel(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, lens.JobStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.FinishedAt)
	require.Nil(t, cancelled.Error)

	close(gate)
	require.Equal(t, lens.JobStatusSucceeded, h.wait(t, first.ID).Status)
	require.Eventually(t, func() bool { return h.sched.Flights.Len() == 0 }, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"https://img.example.com/first.jpg"}, exec.urls())

	got, err := h.sched.Get(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, lens.JobStatusCancelled, got.Status)

	_, err = h.sched.Cancel(context.Background(), second.ID)
	require.ErrorIs(t, err, lens.ErrJobFinished)
}

func TestCancelRunningJobAbortsExecution(t *testing.T) {
	running := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, _ *fakeLease, _ lens.Request, _ int) (lens.ExtractionResult, error) {
		close(running)
		<-ctx.Done()
		return lens.ExtractionResult{}, ctx.Err()
	}}
	h := newHarness(t, Config{}, newFakePool(1), exec)
	h.start(t)

	job := h.submit(t, "https://img.example.com/long.jpg")
	<-running

	_, err := h.sched.Cancel(context.Background(), job.ID)
	require.NoError(t, err)

	done := h.wait(t, job.ID)
	require.Equal(t, lens.JobStatusCancelled, done.Status)
	require.Nil(t, done.Error)
	require.Len(t, exec.urls(), 1)

	leased, _, _ := h.pool.stats()
	require.Zero(t, leased)
}

func TestIdenticalRequestsShareOneExecution(t *testing.T) {
	gate := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, _ *fakeLease, req lens.Request, _ int) (lens.ExtractionResult, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return lens.ExtractionResult{}, ctx.Err()
		}
		return resultFor(req), nil
	}}
	h := newHarness(t, Config{Workers: 2}, newFakePool(2), exec)
	h.start(t)

	a := h.submit(t, "https://img.example.com/same.jpg")
	b := h.submit(t, "https://img.example.com/same.jpg")
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, a.Fingerprint, b.Fingerprint)

	close(gate)
	doneA := h.wait(t, a.ID)
	doneB := h.wait(t, b.ID)

	require.Equal(t, lens.JobStatusSucceeded, doneA.Status)
	require.Equal(t, lens.JobStatusSucceeded, doneB.Status)
	require.Equal(t, doneA.Result.Matches, doneB.Result.Matches)
	require.Len(t, exec.urls(), 1)
}

func TestCancelOneSubscriberKeepsSharedExecution(t *testing.T) {
	running := make(chan struct{})
	gate := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, _ *fakeLease, req lens.Request, _ int) (lens.ExtractionResult, error) {
		close(running)
		select {
		case <-gate:
		case <-ctx.Done():
			return lens.ExtractionResult{}, ctx.Err()
		}
		return resultFor(req), nil
	}}
	h := newHarness(t, Config{}, newFakePool(1), exec)
	h.start(t)

	a := h.submit(t, "https://img.example.com/shared.jpg")
	<-running
	b := h.submit(t, "https://img.example.com/shared.jpg")
	require.Equal(t, lens.JobStatusRunning, b.Status)

	cancelled, err := h.sched.Cancel(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, lens.JobStatusCancelled, cancelled.Status)

	close(gate)
	require.Equal(t, lens.JobStatusSucceeded, h.wait(t, b.ID).Status)
	got, err := h.sched.Get(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, lens.JobStatusCancelled, got.Status)
	require.Len(t, exec.urls(), 1)
}

func TestCachedResultSkipsExecution(t *testing.T) {
	exec := &fakeExecutor{}
	h := newHarness(t, Config{}, newFakePool(1), exec)
	h.start(t)

	first := h.wait(t, h.submit(t, "https://img.example.com/cached.jpg").ID)
	require.Equal(t, lens.JobStatusSucceeded, first.Status)

	second := h.submit(t, "https://img.example.com/cached.jpg")
	require.Equal(t, lens.JobStatusSucceeded, second.Status)
	require.True(t, second.FromCache)
	require.Zero(t, second.Attempts)
	require.Equal(t, first.Result.Matches, second.Result.Matches)
	require.Len(t, exec.urls(), 1)
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	h := newHarness(t, Config{}, newFakePool(1), &fakeExecutor{}, func(d *Deps) {
		d.Queue = queuememory.NewQueue(1)
	})

	h.submit(t, "https://img.example.com/one.jpg")
	_, err := h.sched.Submit(context.Background(), lens.Request{ImageURL: "https://img.example.com/two.jpg"})
	require.ErrorIs(t, err, lens.ErrQueueFull)
	require.Equal(t, 2, h.jobs.Len())
	require.Equal(t, 1, h.sched.Flights.Len())
}

func TestSweepPrunesFinishedJobs(t *testing.T) {
	h := newHarness(t, Config{Retention: time.Millisecond}, newFakePool(1), &fakeExecutor{})
	h.start(t)

	job := h.wait(t, h.submit(t, "https://img.example.com/old.jpg").ID)
	require.Equal(t, lens.JobStatusSucceeded, job.Status)

	require.Eventually(t, func() bool {
		h.sched.Sweep(context.Background())
		_, err := h.sched.Get(context.Background(), job.ID)
		return errors.Is(err, lens.ErrJobNotFound)
	}, time.Second, 10*time.Millisecond)
}

func TestWaitHonorsContext(t *testing.T) {
	h := newHarness(t, Config{}, newFakePool(1), &fakeExecutor{})
	job := h.submit(t, "https://img.example.com/never.jpg")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	got, err := h.sched.Wait(ctx, job.ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, lens.JobStatusQueued, got.Status)
}

func TestShutdownFinishesRunningJobAndFailsQueued(t *testing.T) {
	gate := make(chan struct{})
	running := make(chan struct{}, 1)
	exec := &fakeExecutor{fn: func(ctx context.Context, _ *fakeLease, req lens.Request, _ int) (lens.ExtractionResult, error) {
		running <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return lens.ExtractionResult{}, ctx.Err()
		}
		return resultFor(req), nil
	}}
	h := newHarness(t, Config{Workers: 1}, newFakePool(1), exec)
	h.start(t)

	first := h.submit(t, "https://img.example.com/first.jpg")
	<-running
	second := h.submit(t, "https://img.example.com/second.jpg")

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- h.sched.Shutdown(ctx)
	}()

	require.Eventually(t, func() bool {
		_, err := h.sched.Submit(context.Background(), lens.Request{ImageURL: "https://img.example.com/late.jpg"})
		return errors.Is(err, lens.ErrShuttingDown)
	}, time.Second, 5*time.Millisecond)

	close(gate)
	require.NoError(t, <-shutdownErr)

	done := h.wait(t, first.ID)
	require.Equal(t, lens.JobStatusSucceeded, done.Status)
	require.NotNil(t, done.Result)

	rejected := h.wait(t, second.ID)
	require.Equal(t, lens.JobStatusFailed, rejected.Status)
	require.NotNil(t, rejected.Error)
	require.Equal(t, lens.KindInternal, rejected.Error.Kind)
	require.True(t, rejected.Error.Retryable)

	require.Equal(t, []string{"https://img.example.com/first.jpg"}, exec.urls())
	leased, _, _ := h.pool.stats()
	require.Zero(t, leased)
}

func TestShutdownAbortsJobsPastItsDeadline(t *testing.T) {
	running := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, _ *fakeLease, _ lens.Request, _ int) (lens.ExtractionResult, error) {
		close(running)
		<-ctx.Done()
		return lens.ExtractionResult{}, ctx.Err()
	}}
	h := newHarness(t, Config{Workers: 1}, newFakePool(1), exec)
	h.start(t)

	job := h.submit(t, "https://img.example.com/stuck.jpg")
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.sched.Shutdown(ctx), context.DeadlineExceeded)

	done := h.wait(t, job.ID)
	require.Equal(t, lens.JobStatusFailed, done.Status)
	require.NotNil(t, done.Error)
	require.Equal(t, lens.KindInternal, done.Error.Kind)
	require.True(t, done.Error.Retryable)
	require.Len(t, exec.urls(), 1)
}

func TestRotateDecisionDiscardsContext(t *testing.T) {
	h := newHarness(t, Config{MaxNavFailures: 5}, newFakePool(1), &fakeExecutor{})
	ctx := context.Background()
	lease := &fakeLease{id: "ctx-1"}
	navErr := lens.NewScrapeError(lens.KindNavigationFailed, "navigate", errors.New("net::ERR_CONNECTION_RESET"))

	require.True(t, h.sched.healthy(ctx, lease, navErr, lens.Decision{Retry: true}))
	require.False(t, h.sched.healthy(ctx, lease, navErr, lens.Decision{Retry: true, Rotate: true}))
	require.False(t, h.sched.healthy(ctx, lease, nil, lens.Decision{Rotate: true}))
}
