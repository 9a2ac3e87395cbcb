package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sheetscrub/backend/internal/models"
)

// ErrNotFound is returned when no entitlement record exists for a user.
var ErrNotFound = errors.New("entitlement not found")

// EntitlementStore provides database operations for per-user entitlement
// records. It is the single owner of the entitlements table: plan changes
// go through ApplyTransition and usage changes through TryConsumeUsage,
// both serialized per user with a row lock.
type EntitlementStore struct {
	db *sql.DB
}

// NewEntitlementStore creates an EntitlementStore using the provided sql.DB connection.
func NewEntitlementStore(db *sql.DB) (*EntitlementStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &EntitlementStore{db: db}, nil
}

// Get returns the entitlement record for a user.
func (s *EntitlementStore) Get(ctx context.Context, userID string) (*models.Entitlement, error) {
	query := `SELECT user_id, email, plan, usage_count, period_anchor, created_at, updated_at
		FROM entitlements WHERE user_id = $1`

	var e models.Entitlement
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&e.UserID, &e.Email, &e.Plan, &e.UsageCount, &e.PeriodAnchor,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get entitlement: %w", err)
	}
	return &e, nil
}

// GetUserIDByEmail resolves a payer email to a known user. Used as the
// webhook fallback when a checkout intent is missing or expired.
func (s *EntitlementStore) GetUserIDByEmail(ctx context.Context, email string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM entitlements WHERE LOWER(email) = LOWER($1) LIMIT 1`,
		email,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get user by email: %w", err)
	}
	return userID, nil
}

// EnsureRecord provisions a free-tier entitlement row for a user if one does
// not exist yet, and backfills the email on an existing row that lacks one.
// Called by the identity middleware on first sight of a user.
func (s *EntitlementStore) EnsureRecord(ctx context.Context, userID, email string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entitlements (user_id, email, plan)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE
		 SET email = CASE WHEN entitlements.email = '' THEN EXCLUDED.email ELSE entitlements.email END`,
		userID, email, models.PlanFree,
	)
	if err != nil {
		return fmt.Errorf("ensure entitlement: %w", err)
	}
	return nil
}

// ApplyTransition is the single mutation entry point for plan changes.
// It is atomic per user: the current plan is read under a row lock, the
// transition is ignored unless the new plan is strictly higher, and an
// applied upgrade resets the usage counter in the same transaction so no
// partial application is observable. Re-delivery of an already-applied
// transition reports Ignored("already-applied"); a lower tier reports
// Ignored("no-downgrade"). Missing records are provisioned directly at the
// new plan.
func (s *EntitlementStore) ApplyTransition(ctx context.Context, userID string, newPlan models.Plan, observedAt time.Time) (*models.TransitionOutcome, error) {
	if !newPlan.Valid() {
		return nil, fmt.Errorf("apply transition: invalid plan %q", newPlan)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("apply transition: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current models.Plan
	err = tx.QueryRowContext(ctx,
		`SELECT plan FROM entitlements WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entitlements (user_id, plan, usage_count, period_anchor)
			 VALUES ($1, $2, 0, $3)`,
			userID, newPlan, observedAt,
		); err != nil {
			return nil, fmt.Errorf("apply transition: insert entitlement: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("apply transition: lock entitlement: %w", err)
	default:
		if newPlan.Tier() == current.Tier() {
			return &models.TransitionOutcome{Applied: false, Reason: models.ReasonAlreadyApplied, Plan: current}, nil
		}
		if newPlan.Tier() < current.Tier() {
			return &models.TransitionOutcome{Applied: false, Reason: models.ReasonNoDowngrade, Plan: current}, nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE entitlements
			 SET plan = $2, usage_count = 0, period_anchor = $3, updated_at = now()
			 WHERE user_id = $1`,
			userID, newPlan, observedAt,
		); err != nil {
			return nil, fmt.Errorf("apply transition: update entitlement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("apply transition: commit: %w", err)
	}
	return &models.TransitionOutcome{Applied: true, Plan: newPlan}, nil
}

// TryConsumeUsage atomically admits one cleaning against the user's quota.
// Under the row lock it applies the calendar-month rollover (usage resets
// when the period anchor falls in an earlier month), checks the plan limit,
// and either increments and reports the post-increment count or leaves the
// record untouched and reports the denial.
func (s *EntitlementStore) TryConsumeUsage(ctx context.Context, userID string) (*models.UsageDecision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("consume usage: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var (
		plan   models.Plan
		usage  int
		anchor time.Time
	)
	err = tx.QueryRowContext(ctx,
		`SELECT plan, usage_count, period_anchor FROM entitlements WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&plan, &usage, &anchor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("consume usage: lock entitlement: %w", err)
	}

	now := time.Now().UTC()
	if !sameBillingMonth(anchor, now) {
		usage = 0
		anchor = now
	}

	limit := plan.CleaningLimit()
	if limit != models.UnlimitedCleanings && usage >= limit {
		// No mutation on denial; the rollback discards the lock.
		return &models.UsageDecision{Allowed: false, Plan: plan, Used: usage, Limit: limit}, nil
	}

	usage++
	if _, err := tx.ExecContext(ctx,
		`UPDATE entitlements
		 SET usage_count = $2, period_anchor = $3, updated_at = now()
		 WHERE user_id = $1`,
		userID, usage, anchor,
	); err != nil {
		return nil, fmt.Errorf("consume usage: update entitlement: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("consume usage: commit: %w", err)
	}
	return &models.UsageDecision{Allowed: true, Plan: plan, Used: usage, Limit: limit}, nil
}

// sameBillingMonth reports whether two instants fall in the same UTC
// calendar month. Usage counters roll over on the month boundary.
func sameBillingMonth(a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	return a.Year() == b.Year() && a.Month() == b.Month()
}
