package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sheetscrub/backend/internal/models"
)

// ErrIntentNotFound is returned when no live checkout intent exists for a session.
var ErrIntentNotFound = errors.New("checkout intent not found")

// IntentStore provides database operations for checkout intents. An intent
// correlates a Stripe session id with the user and plan it was created for;
// it is written before the client is redirected and read back by both
// reconciliation paths.
type IntentStore struct {
	db *sql.DB
}

// NewIntentStore creates an IntentStore using the provided sql.DB connection.
func NewIntentStore(db *sql.DB) (*IntentStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &IntentStore{db: db}, nil
}

// CreateIntent records a new checkout intent.
func (s *IntentStore) CreateIntent(ctx context.Context, intent *models.CheckoutIntent) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO checkout_intents (session_id, user_id, email, requested_plan, client_reference_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		intent.SessionID, intent.UserID, intent.Email, intent.RequestedPlan, intent.ClientReferenceID,
	).Scan(&intent.CreatedAt)
	if err != nil {
		return fmt.Errorf("create checkout intent: %w", err)
	}
	return nil
}

// GetIntent returns the intent for a session id. Intents older than maxAge
// are treated as not found so a stale intent cannot drive a stale transition.
func (s *IntentStore) GetIntent(ctx context.Context, sessionID string, maxAge time.Duration) (*models.CheckoutIntent, error) {
	query := `SELECT session_id, user_id, email, requested_plan, client_reference_id, created_at, consumed_at
		FROM checkout_intents
		WHERE session_id = $1 AND created_at > $2`

	var intent models.CheckoutIntent
	err := s.db.QueryRowContext(ctx, query, sessionID, time.Now().UTC().Add(-maxAge)).Scan(
		&intent.SessionID, &intent.UserID, &intent.Email, &intent.RequestedPlan,
		&intent.ClientReferenceID, &intent.CreatedAt, &intent.ConsumedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, fmt.Errorf("get checkout intent: %w", err)
	}
	return &intent, nil
}

// MarkConsumed stamps the intent as reconciled. Only the first observer
// writes the timestamp; later calls are no-ops.
func (s *IntentStore) MarkConsumed(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE checkout_intents SET consumed_at = now()
		 WHERE session_id = $1 AND consumed_at IS NULL`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("mark checkout intent consumed: %w", err)
	}
	return nil
}

// DeleteExpired removes intents created before the cutoff and returns the
// number of rows deleted. Called by the background sweeper.
func (s *IntentStore) DeleteExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM checkout_intents WHERE created_at < $1`,
		time.Now().UTC().Add(-maxAge),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired intents: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}
