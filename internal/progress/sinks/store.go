package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/lens-scraper/internal/progress"
	"github.com/JakeFAU/lens-scraper/internal/store"
)

// StoreSink persists every event of a batch through a store.EventRepository
// in one call.
type StoreSink struct {
	repo   store.EventRepository
	newID  func() uuid.UUID
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink. newID may be nil to use UUIDv7.
func NewStoreSink(repo store.EventRepository, newID func() uuid.UUID, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if newID == nil {
		newID = func() uuid.UUID { return uuid.Must(uuid.NewV7()) }
	}
	return &StoreSink{repo: repo, newID: newID, logger: logger}
}

// Consume converts the batch and appends it.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil || len(batch) == 0 {
		return nil
	}
	events := make([]store.JobEvent, 0, len(batch))
	for _, evt := range batch {
		events = append(events, store.JobEvent{
			ID:       s.newID(),
			JobID:    evt.JobID,
			Stage:    string(evt.Stage),
			Attempt:  evt.Attempt,
			Kind:     string(evt.Kind),
			Status:   string(evt.Status),
			Matches:  evt.Matches,
			Duration: evt.Dur,
			Note:     evt.Note,
			At:       evt.TS,
		})
	}
	if err := s.repo.AppendEvents(ctx, events); err != nil {
		return fmt.Errorf("append job events: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
