// Package postgres provides Postgres-backed persistence for jobs and
// lifecycle events.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/lens-scraper/internal/lens"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of pgxpool.Pool the stores use.
type DB interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Connect opens a pgx pool with the configured limits.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// JobStore persists jobs in a single table. Status transitions are
// conditional updates so concurrent writers cannot skip the state machine.
type JobStore struct {
	db    DB
	table string
}

var _ lens.JobStore = (*JobStore)(nil)

// NewJobStore builds a store over db. An empty table defaults to lens_jobs.
func NewJobStore(db DB, table string) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if table == "" {
		table = "lens_jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobStore{db: db, table: table}, nil
}

// EnsureSchema creates the jobs table when missing.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id           TEXT PRIMARY KEY,
	fingerprint  TEXT NOT NULL,
	image_url    TEXT NOT NULL DEFAULT '',
	search_type  TEXT NOT NULL,
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	from_cache   BOOLEAN NOT NULL DEFAULT FALSE,
	submitted_at TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ,
	result       JSONB,
	error        JSONB
);
CREATE INDEX IF NOT EXISTS %[1]s_finished_at_idx ON %[1]s (finished_at) WHERE finished_at IS NOT NULL;`, s.table)
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *JobStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// CreateJob inserts a job row.
func (s *JobStore) CreateJob(ctx context.Context, job lens.Job) error {
	result, jobErr, err := encodeOutcome(job.Result, job.Error)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, fingerprint, image_url, search_type, status, attempts, from_cache,
	submitted_at, started_at, finished_at, result, error
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO NOTHING`, s.table)
	tag, err := s.db.Exec(ctx, query,
		job.ID,
		job.Fingerprint,
		job.Request.ImageURL,
		string(job.Request.SearchType),
		string(job.Status),
		job.Attempts,
		job.FromCache,
		job.SubmittedAt,
		job.StartedAt,
		job.FinishedAt,
		result,
		jobErr,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create job %s: %w", job.ID, lens.ErrJobExists)
	}
	return nil
}

const jobColumns = `id, fingerprint, image_url, search_type, status, attempts, from_cache,
	submitted_at, started_at, finished_at, result, error`

// GetJob loads a job by id.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (lens.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.table)
	job, err := scanJob(s.db.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return lens.Job{}, fmt.Errorf("get job %s: %w", jobID, lens.ErrJobNotFound)
	}
	if err != nil {
		return lens.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// TransitionJob applies update only when the row's status is one of from.
// When no row matches it reloads the job to tell a missing job from a
// disallowed transition.
func (s *JobStore) TransitionJob(ctx context.Context, jobID string, from []lens.JobStatus, update lens.JobUpdate) (lens.Job, error) {
	terminal := update.Status.Terminal()
	var result, jobErr []byte
	if terminal {
		var err error
		result, jobErr, err = encodeOutcome(update.Result, update.Error)
		if err != nil {
			return lens.Job{}, err
		}
	}
	allowed := make([]string, 0, len(from))
	for _, st := range from {
		allowed = append(allowed, string(st))
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	status = $2,
	attempts = GREATEST(attempts, $3),
	started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN $4 ELSE started_at END,
	finished_at = CASE WHEN $5 THEN $4 ELSE finished_at END,
	result = CASE WHEN $5 THEN $6::jsonb ELSE result END,
	error = CASE WHEN $5 THEN $7::jsonb ELSE error END
WHERE id = $1 AND status = ANY($8)
RETURNING %s`, s.table, jobColumns)
	job, err := scanJob(s.db.QueryRow(ctx, query,
		jobID,
		string(update.Status),
		update.Attempts,
		update.At,
		terminal,
		result,
		jobErr,
		allowed,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetJob(ctx, jobID)
		if getErr != nil {
			return lens.Job{}, getErr
		}
		return current, fmt.Errorf("transition job %s from %s to %s: %w", jobID, current.Status, update.Status, lens.ErrInvalidState)
	}
	if err != nil {
		return lens.Job{}, fmt.Errorf("transition job %s: %w", jobID, err)
	}
	return job, nil
}

// PruneJobs deletes terminal jobs that finished before the cutoff.
func (s *JobStore) PruneJobs(ctx context.Context, finishedBefore time.Time) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE finished_at IS NOT NULL AND finished_at < $1`, s.table)
	tag, err := s.db.Exec(ctx, query, finishedBefore)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (lens.Job, error) {
	var (
		job        lens.Job
		searchType string
		status     string
		result     []byte
		jobErr     []byte
	)
	err := row.Scan(
		&job.ID,
		&job.Fingerprint,
		&job.Request.ImageURL,
		&searchType,
		&status,
		&job.Attempts,
		&job.FromCache,
		&job.SubmittedAt,
		&job.StartedAt,
		&job.FinishedAt,
		&result,
		&jobErr,
	)
	if err != nil {
		return lens.Job{}, err
	}
	job.Request.SearchType = lens.SearchType(searchType)
	job.Status = lens.JobStatus(status)
	if len(result) > 0 {
		var r lens.ExtractionResult
		if err := json.Unmarshal(result, &r); err != nil {
			return lens.Job{}, fmt.Errorf("decode result: %w", err)
		}
		job.Result = &r
	}
	if len(jobErr) > 0 {
		var e lens.JobError
		if err := json.Unmarshal(jobErr, &e); err != nil {
			return lens.Job{}, fmt.Errorf("decode error: %w", err)
		}
		job.Error = &e
	}
	return job, nil
}

func encodeOutcome(result *lens.ExtractionResult, jobErr *lens.JobError) ([]byte, []byte, error) {
	var resultJSON, errJSON []byte
	var err error
	if result != nil {
		if resultJSON, err = json.Marshal(result); err != nil {
			return nil, nil, fmt.Errorf("encode result: %w", err)
		}
	}
	if jobErr != nil {
		if errJSON, err = json.Marshal(jobErr); err != nil {
			return nil, nil, fmt.Errorf("encode error: %w", err)
		}
	}
	return resultJSON, errJSON, nil
}
