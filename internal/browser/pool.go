// Package browser owns the pool of headless browser contexts leased to scrape jobs.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/lens-scraper/internal/lens"
	"github.com/JakeFAU/lens-scraper/internal/metrics"
)

// Instance is one isolated browser process with a single tab.
type Instance interface {
	lens.Page
	Probe(ctx context.Context) error
	// Reset clears cookies and storage so the next lease starts clean.
	Reset(ctx context.Context) error
	Close() error
}

// Launcher starts browser instances.
type Launcher interface {
	Launch(ctx context.Context) (Instance, error)
}

// MemoryGuard reports host memory pressure.
type MemoryGuard interface {
	UnderPressure() bool
}

// Config bounds pool size and context lifetime.
type Config struct {
	MaxConcurrency    int
	MaxAge            time.Duration
	MaxJobs           int
	MaxNavFailures    int
	MaxLaunchFailures int
	ResetTimeout      time.Duration
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Capacity  int   `json:"capacity"`
	Idle      int   `json:"idle"`
	Leased    int   `json:"leased"`
	Live      int   `json:"live"`
	Launched  int64 `json:"launched_total"`
	Destroyed int64 `json:"destroyed_total"`
	Draining  bool  `json:"draining"`
	Fatal     bool  `json:"fatal"`
}

type browserContext struct {
	id          string
	inst        Instance
	createdAt   time.Time
	lastUsed    time.Time
	jobs        int
	navFailures int
}

// Pool leases browser contexts with a hard concurrency ceiling. Only
// bookkeeping is done under the mutex; launches, resets and closes run
// outside of it.
type Pool struct {
	cfg      Config
	launcher Launcher
	guard    MemoryGuard
	logger   *zap.Logger
	now      func() time.Time

	mu             sync.Mutex
	idle           []*browserContext
	leased         map[string]*browserContext
	live           int
	resetting      int
	draining       bool
	changed        chan struct{}
	launchFailures int
	fatal          bool

	seq       atomic.Int64
	launched  atomic.Int64
	destroyed atomic.Int64
	closers   sync.WaitGroup
}

// NewPool builds a pool. guard may be nil.
func NewPool(launcher Launcher, cfg Config, guard MemoryGuard, logger *zap.Logger) (*Pool, error) {
	if launcher == nil {
		return nil, errors.New("launcher is required")
	}
	if cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("max concurrency must be > 0, got %d", cfg.MaxConcurrency)
	}
	if cfg.MaxNavFailures <= 0 {
		cfg.MaxNavFailures = 2
	}
	if cfg.MaxLaunchFailures <= 0 {
		cfg.MaxLaunchFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:      cfg,
		launcher: launcher,
		guard:    guard,
		logger:   logger,
		now:      time.Now,
		leased:   make(map[string]*browserContext),
		changed:  make(chan struct{}),
	}, nil
}

// Acquire leases a context, reusing a healthy idle one when possible and
// launching a new one while under capacity. It waits at most timeout for
// capacity and then returns lens.ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (lens.Lease, error) {
	start := p.now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.draining {
			p.mu.Unlock()
			return nil, lens.ErrPoolDraining
		}
		bc, stale := p.popIdleLocked()
		if bc != nil {
			p.leased[bc.id] = bc
			p.publishGaugesLocked()
			p.mu.Unlock()
			p.retire(stale, "expired")
			metrics.ObserveAcquire("reused", time.Since(start))
			return p.newLease(bc), nil
		}
		if p.live < p.cfg.MaxConcurrency {
			p.live++
			p.mu.Unlock()
			p.retire(stale, "expired")
			l, err := p.launch(ctx)
			if err != nil {
				metrics.ObserveAcquire("launch_failed", time.Since(start))
				return nil, err
			}
			metrics.ObserveAcquire("launched", time.Since(start))
			return l, nil
		}
		wait := p.changed
		p.mu.Unlock()
		p.retire(stale, "expired")

		select {
		case <-wait:
		case <-timer.C:
			metrics.ObserveAcquire("exhausted", time.Since(start))
			return nil, fmt.Errorf("no browser context free after %s: %w", timeout, lens.ErrPoolExhausted)
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire canceled: %w", ctx.Err())
		}
	}
}

// Release returns a leased context. Healthy contexts are reset and kept idle;
// anything else is destroyed and its capacity freed for a lazy relaunch.
func (p *Pool) Release(ctx context.Context, l lens.Lease, healthy bool) {
	le, ok := l.(*lease)
	if !ok || le.pool != p || !le.released.CompareAndSwap(false, true) {
		return
	}
	pressure := p.guard != nil && p.guard.UnderPressure()

	p.mu.Lock()
	bc := le.bc
	delete(p.leased, bc.id)
	bc.jobs++
	bc.lastUsed = p.now()
	if healthy && !le.failed.Load() {
		bc.navFailures = 0
	}
	reason := ""
	switch {
	case !healthy:
		reason = "unhealthy"
	case bc.navFailures >= p.cfg.MaxNavFailures:
		reason = "navigation_failures"
	case p.draining:
		reason = "draining"
	case p.expiredLocked(bc):
		reason = "expired"
	case pressure:
		reason = "memory_pressure"
	}
	if reason != "" {
		p.live--
		p.markRetiredLocked(1)
		p.broadcastLocked()
		p.mu.Unlock()
		p.retire([]*browserContext{bc}, reason)
		return
	}
	p.resetting++
	p.mu.Unlock()

	resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ResetTimeout)
	err := bc.inst.Reset(resetCtx)
	cancel()

	p.mu.Lock()
	p.resetting--
	if err != nil || p.draining {
		p.live--
		p.markRetiredLocked(1)
		p.broadcastLocked()
		p.mu.Unlock()
		if err != nil {
			p.logger.Warn("browser context reset failed", zap.String("context_id", bc.id), zap.Error(err))
		}
		reason := "draining"
		if err != nil {
			reason = "reset_failed"
		}
		p.retire([]*browserContext{bc}, reason)
		return
	}
	p.idle = append(p.idle, bc)
	p.broadcastLocked()
	p.mu.Unlock()
}

// Drain stops new acquisitions, waits for outstanding leases, and destroys
// every remaining context.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	p.broadcastLocked()
	p.mu.Unlock()

	var waitErr error
	for {
		p.mu.Lock()
		busy := len(p.leased) + p.resetting
		wait := p.changed
		p.mu.Unlock()
		if busy == 0 {
			break
		}
		select {
		case <-wait:
			continue
		case <-ctx.Done():
			waitErr = fmt.Errorf("drain wait: %w", ctx.Err())
		}
		break
	}

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	p.broadcastLocked()
	p.mu.Unlock()

	var g errgroup.Group
	for _, bc := range idle {
		g.Go(func() error {
			p.destroyed.Add(1)
			metrics.IncContextsDestroyed("drain")
			if err := bc.inst.Close(); err != nil {
				return fmt.Errorf("close context %s: %w", bc.id, err)
			}
			return nil
		})
	}
	closeErr := g.Wait()
	p.closers.Wait()
	p.logger.Info("browser pool drained", zap.Int("closed", len(idle)))
	return errors.Join(waitErr, closeErr)
}

// Check acquires a context within timeout, probes it, and releases it.
func (p *Pool) Check(ctx context.Context, timeout time.Duration) error {
	l, err := p.Acquire(ctx, timeout)
	if err != nil {
		return err
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err = l.Probe(probeCtx)
	p.Release(ctx, l, err == nil)
	if err != nil {
		return fmt.Errorf("probe browser context: %w", err)
	}
	return nil
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity:  p.cfg.MaxConcurrency,
		Idle:      len(p.idle),
		Leased:    len(p.leased),
		Live:      p.live,
		Launched:  p.launched.Load(),
		Destroyed: p.destroyed.Load(),
		Draining:  p.draining,
		Fatal:     p.fatal,
	}
}

// Fatal reports whether browser launches keep failing.
func (p *Pool) Fatal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatal
}

func (p *Pool) launch(ctx context.Context) (lens.Lease, error) {
	inst, err := p.launcher.Launch(ctx)
	if err != nil && ctx.Err() != nil {
		// The caller gave up; that says nothing about whether Chrome can start.
		p.mu.Lock()
		p.live--
		p.broadcastLocked()
		p.mu.Unlock()
		p.logger.Warn("browser launch abandoned", zap.Error(err))
		return nil, fmt.Errorf("launch canceled: %w", ctx.Err())
	}
	if err != nil {
		p.mu.Lock()
		p.live--
		p.launchFailures++
		if p.launchFailures >= p.cfg.MaxLaunchFailures {
			p.fatal = true
		}
		failures := p.launchFailures
		p.broadcastLocked()
		p.mu.Unlock()
		p.logger.Error("browser launch failed", zap.Int("consecutive_failures", failures), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", lens.ErrLaunchFailed, err)
	}
	now := p.now()
	bc := &browserContext{
		id:        "ctx-" + strconv.FormatInt(p.seq.Add(1), 10),
		inst:      inst,
		createdAt: now,
		lastUsed:  now,
	}
	p.launched.Add(1)

	p.mu.Lock()
	p.launchFailures = 0
	p.fatal = false
	if p.draining {
		p.live--
		p.markRetiredLocked(1)
		p.broadcastLocked()
		p.mu.Unlock()
		p.retire([]*browserContext{bc}, "draining")
		return nil, lens.ErrPoolDraining
	}
	p.leased[bc.id] = bc
	p.publishGaugesLocked()
	p.mu.Unlock()
	p.logger.Debug("browser context launched", zap.String("context_id", bc.id))
	return p.newLease(bc), nil
}

// popIdleLocked returns the most recently used reusable context and any idle
// contexts that outlived their budget.
func (p *Pool) popIdleLocked() (*browserContext, []*browserContext) {
	var stale []*browserContext
	for len(p.idle) > 0 {
		last := len(p.idle) - 1
		bc := p.idle[last]
		p.idle = p.idle[:last]
		if p.expiredLocked(bc) {
			p.live--
			p.markRetiredLocked(1)
			stale = append(stale, bc)
			continue
		}
		return bc, stale
	}
	return nil, stale
}

func (p *Pool) expiredLocked(bc *browserContext) bool {
	if p.cfg.MaxAge > 0 && p.now().Sub(bc.createdAt) >= p.cfg.MaxAge {
		return true
	}
	return p.cfg.MaxJobs > 0 && bc.jobs >= p.cfg.MaxJobs
}

// markRetiredLocked registers pending closes so Drain can wait for them.
func (p *Pool) markRetiredLocked(n int) {
	p.closers.Add(n)
}

// retire closes contexts in the background. Callers must have called
// markRetiredLocked for each of them.
func (p *Pool) retire(list []*browserContext, reason string) {
	for _, bc := range list {
		p.destroyed.Add(1)
		metrics.IncContextsDestroyed(reason)
		p.logger.Debug("destroying browser context", zap.String("context_id", bc.id), zap.String("reason", reason))
		go func(bc *browserContext) {
			defer p.closers.Done()
			if err := bc.inst.Close(); err != nil {
				p.logger.Warn("browser context close failed", zap.String("context_id", bc.id), zap.Error(err))
			}
		}(bc)
	}
}

func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
	p.publishGaugesLocked()
}

func (p *Pool) publishGaugesLocked() {
	metrics.SetPoolContexts(len(p.idle), len(p.leased))
}

func (p *Pool) newLease(bc *browserContext) *lease {
	return &lease{Page: bc.inst, bc: bc, pool: p}
}

// lease is the lens.Lease handed to callers. Page calls go straight to the
// instance; Release is idempotent.
type lease struct {
	lens.Page
	bc       *browserContext
	pool     *Pool
	failed   atomic.Bool
	released atomic.Bool
}

func (l *lease) ID() string {
	return l.bc.id
}

func (l *lease) NavigationFailed() int {
	l.failed.Store(true)
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	l.bc.navFailures++
	return l.bc.navFailures
}

func (l *lease) Probe(ctx context.Context) error {
	return l.bc.inst.Probe(ctx)
}
