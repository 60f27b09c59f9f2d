package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/lens-scraper/internal/progress"
)

// PrometheusSink derives job-level collectors from the progress stream:
// started/completed counters, a running gauge, and runtime histograms.
type PrometheusSink struct {
	jobsStarted     prometheus.Counter
	jobsCompleted   *prometheus.CounterVec
	jobsRunning     prometheus.Gauge
	jobRuntime      *prometheus.HistogramVec
	attemptDuration *prometheus.HistogramVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lens_progress_jobs_started_total",
			Help: "Jobs whose execution started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lens_progress_jobs_completed_total",
			Help: "Jobs that reached a terminal status, partitioned by status and cache use.",
		}, []string{"status", "from_cache"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lens_progress_jobs_running",
			Help: "Jobs currently running.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lens_progress_job_runtime_seconds",
			Help:    "Wall time from submission to terminal status.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"status"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lens_progress_attempt_duration_seconds",
			Help:    "Pipeline attempt duration partitioned by outcome kind.",
			Buckets: []float64{1, 2, 5, 10, 20, 40, 60},
		}, []string{"kind"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.attemptDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch {
	case evt.Stage == progress.StageJobStart:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case evt.Stage == progress.StageAttemptDone:
		kind := string(evt.Kind)
		if kind == "" {
			kind = "ok"
		}
		s.attemptDuration.WithLabelValues(kind).Observe(evt.Dur.Seconds())
	case evt.Stage.Terminal():
		status := string(evt.Status)
		if status == "" {
			status = "unknown"
		}
		s.jobsCompleted.WithLabelValues(status, fmt.Sprint(evt.FromCache)).Inc()
		if evt.Dur > 0 {
			s.jobRuntime.WithLabelValues(status).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.JobID) {
			s.jobsRunning.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
