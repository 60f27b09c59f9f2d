package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/lens-scraper/internal/store"
)

// EventStore appends job lifecycle events to an append-only table.
type EventStore struct {
	db    DB
	table string
}

var _ store.EventRepository = (*EventStore)(nil)

// NewEventStore builds an event store. An empty table defaults to job_events.
func NewEventStore(db DB, table string) (*EventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if table == "" {
		table = "job_events"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &EventStore{db: db, table: table}, nil
}

// EnsureSchema creates the events table when missing.
func (s *EventStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id          UUID PRIMARY KEY,
	job_id      TEXT NOT NULL,
	stage       TEXT NOT NULL,
	attempt     INTEGER NOT NULL DEFAULT 0,
	kind        TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT '',
	matches     INTEGER NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	note        TEXT NOT NULL DEFAULT '',
	at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_job_id_idx ON %[1]s (job_id, at);`, s.table)
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

const eventColumnCount = 10

// AppendEvents writes the batch with a single multi-row insert.
func (s *EventStore) AppendEvents(ctx context.Context, events []store.JobEvent) error {
	if len(events) == 0 {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (id, job_id, stage, attempt, kind, status, matches, duration_ms, note, at) VALUES ", s.table)
	args := make([]any, 0, len(events)*eventColumnCount)
	for i, evt := range events {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for col := range eventColumnCount {
			if col > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "$%d", i*eventColumnCount+col+1)
		}
		b.WriteByte(')')
		args = append(args,
			evt.ID,
			evt.JobID,
			evt.Stage,
			evt.Attempt,
			evt.Kind,
			evt.Status,
			evt.Matches,
			evt.Duration.Milliseconds(),
			evt.Note,
			evt.At,
		)
	}
	b.WriteString(" ON CONFLICT (id) DO NOTHING")
	if _, err := s.db.Exec(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert job events: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *EventStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}
