package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"codegate/internal/audit"
)

// EventSink writes audit events to PostgreSQL in batches. It satisfies
// audit.Sink; retry and backoff live in the audit logger's drain loop, so a
// failed batch just returns the error and keeps the events buffered.
type EventSink struct {
	db *DB
}

func NewEventSink(db *DB) *EventSink {
	return &EventSink{db: db}
}

// WriteEvents inserts one batch of events in a single round trip.
func (s *EventSink) WriteEvents(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	query := `
		INSERT INTO audit_events (seq, time, category, principal, request_id, detail, severity, dropped)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (seq) DO NOTHING`

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(query,
			e.Seq, e.Time, string(e.Category), e.Principal,
			e.RequestID, truncateForDB(e.Detail, 65535), e.Severity.String(), e.Dropped,
		)
	}

	results := s.db.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range events {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("inserting audit batch: %w", err)
		}
	}
	return nil
}
