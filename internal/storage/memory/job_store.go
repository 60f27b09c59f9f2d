package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/lens-scraper/internal/lens"
)

// JobStore keeps jobs in process memory. It is the default store and the
// one used by tests.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]lens.Job
}

var _ lens.JobStore = (*JobStore)(nil)

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]lens.Job),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job lens.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: %w", job.ID, lens.ErrJobExists)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (lens.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return lens.Job{}, fmt.Errorf("get job %s: %w", jobID, lens.ErrJobNotFound)
	}
	return cloneJob(job), nil
}

// TransitionJob applies update when the job is currently in one of from.
func (s *JobStore) TransitionJob(_ context.Context, jobID string, from []lens.JobStatus, update lens.JobUpdate) (lens.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return lens.Job{}, fmt.Errorf("transition job %s: %w", jobID, lens.ErrJobNotFound)
	}
	if !slices.Contains(from, job.Status) {
		return cloneJob(job), fmt.Errorf("transition job %s from %s to %s: %w", jobID, job.Status, update.Status, lens.ErrInvalidState)
	}
	update.Apply(&job)
	s.jobs[jobID] = job
	return cloneJob(job), nil
}

// PruneJobs deletes terminal jobs that finished before the cutoff.
func (s *JobStore) PruneJobs(_ context.Context, finishedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(finishedBefore) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored jobs.
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func cloneJob(job lens.Job) lens.Job {
	out := job
	out.Request.ImageData = nil
	if job.Result != nil {
		result := job.Result.Clone()
		out.Result = &result
	}
	if job.Error != nil {
		jobErr := *job.Error
		out.Error = &jobErr
	}
	return out
}
