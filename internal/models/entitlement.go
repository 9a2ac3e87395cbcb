package models

import "time"

// Entitlement is the durable per-user record combining subscription tier
// and usage allowance. It is owned exclusively by the entitlement store;
// plan changes go through ApplyTransition and usage changes through
// TryConsumeUsage, nothing else writes these fields.
type Entitlement struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	Plan         Plan      `json:"plan"`
	UsageCount   int       `json:"usage_count"`
	PeriodAnchor time.Time `json:"period_anchor"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TransitionOutcome reports the result of a plan transition attempt.
type TransitionOutcome struct {
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
	Plan    Plan   `json:"plan"`
}

// Transition ignore reasons.
const (
	ReasonAlreadyApplied = "already-applied"
	ReasonNoDowngrade    = "no-downgrade"
)

// UsageDecision is the outcome of a quota admission check. When Allowed is
// true Used reflects the post-increment count; when false the record was
// left untouched.
type UsageDecision struct {
	Allowed bool `json:"allowed"`
	Plan    Plan `json:"plan"`
	Used    int  `json:"used"`
	Limit   int  `json:"limit"`
}

// CheckoutIntent correlates a Stripe checkout session back to the user and
// tier it was created for, so reconciliation can resolve a bare session id
// even when provider metadata is absent or malformed.
type CheckoutIntent struct {
	SessionID         string     `json:"session_id"`
	UserID            string     `json:"user_id"`
	Email             string     `json:"email"`
	RequestedPlan     Plan       `json:"requested_plan"`
	ClientReferenceID string     `json:"client_reference_id"`
	CreatedAt         time.Time  `json:"created_at"`
	ConsumedAt        *time.Time `json:"consumed_at,omitempty"`
}
