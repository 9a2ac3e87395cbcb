package billing

import (
	"context"
	"log"
	"time"

	"github.com/sheetscrub/backend/internal/models"
)

// Store defines the entitlement mutation the reconciler drives. Both
// reconciliation paths (webhook delivery and post-redirect verification)
// funnel through the same transition, so its idempotency is what makes
// their race safe.
type Store interface {
	ApplyTransition(ctx context.Context, userID string, newPlan models.Plan, observedAt time.Time) (*models.TransitionOutcome, error)
}

const (
	maxApplyAttempts = 3
	applyRetryDelay  = 200 * time.Millisecond
)

// Reconciler applies verified plan transitions to the entitlement store,
// retrying transient store failures a bounded number of times before
// surfacing the error to the caller.
type Reconciler struct {
	store Store
}

// NewReconciler creates a Reconciler backed by the given store.
func NewReconciler(store Store) *Reconciler {
	return &Reconciler{store: store}
}

// Apply records that the user purchased the given plan. An ignored outcome
// (re-delivery, or the losing side of the webhook/verify race) is not an
// error; it is reported back so callers can acknowledge without retrying.
func (r *Reconciler) Apply(ctx context.Context, userID string, plan models.Plan) (*models.TransitionOutcome, error) {
	observedAt := time.Now().UTC()

	var lastErr error
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		outcome, err := r.store.ApplyTransition(ctx, userID, plan, observedAt)
		if err == nil {
			return outcome, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		log.Printf("[billing] transition attempt %d/%d for user %s failed: %v", attempt, maxApplyAttempts, userID, err)
		if attempt < maxApplyAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * applyRetryDelay):
			}
		}
	}
	return nil, lastErr
}
