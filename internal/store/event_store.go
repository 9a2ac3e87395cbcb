package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EventStore is the idempotency ledger for processed webhook deliveries.
// Once an event id is recorded it stays recorded (until retention pruning),
// so re-delivery of the same event short-circuits without re-applying effects.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates an EventStore using the provided sql.DB connection.
func NewEventStore(db *sql.DB) (*EventStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &EventStore{db: db}, nil
}

// IsProcessed reports whether an event id has already been recorded.
func (s *EventStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1)`,
		eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check event processed: %w", err)
	}
	return exists, nil
}

// MarkProcessed records an event id in the ledger. It returns false when
// the event was already recorded by an earlier (or concurrent) delivery.
func (s *EventStore) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (event_id, event_type)
		 VALUES ($1, $2)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType,
	)
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// DeleteOlderThan prunes ledger entries received before the cutoff. The
// retention window must exceed the provider's maximum redelivery window.
func (s *EventStore) DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE received_at < $1`,
		time.Now().UTC().Add(-retention),
	)
	if err != nil {
		return 0, fmt.Errorf("delete old webhook events: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}
