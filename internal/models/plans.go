package models

import "fmt"

// Plan represents a subscription tier (free, pro, business).
type Plan string

const (
	PlanFree     Plan = "free"
	PlanPro      Plan = "pro"
	PlanBusiness Plan = "business"
)

// UnlimitedCleanings marks a plan with no usage cap.
const UnlimitedCleanings = -1

// planTiers orders plans by entitlement level for monotonicity checks.
var planTiers = map[Plan]int{
	PlanFree:     0,
	PlanPro:      1,
	PlanBusiness: 2,
}

// planLimits maps plans to their monthly cleaning allowance.
var planLimits = map[Plan]int{
	PlanFree:     5,
	PlanPro:      50,
	PlanBusiness: UnlimitedCleanings,
}

// Tier returns the entitlement level of the plan. Unknown plans rank below
// free so they can never win a transition.
func (p Plan) Tier() int {
	if tier, ok := planTiers[p]; ok {
		return tier
	}
	return -1
}

// CleaningLimit returns the monthly cleaning allowance for the plan.
// UnlimitedCleanings means no cap.
func (p Plan) CleaningLimit() int {
	if limit, ok := planLimits[p]; ok {
		return limit
	}
	return planLimits[PlanFree]
}

// Valid reports whether the plan is a known tier.
func (p Plan) Valid() bool {
	_, ok := planTiers[p]
	return ok
}

// ParsePlan validates a client-supplied plan name.
func ParsePlan(s string) (Plan, error) {
	p := Plan(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown plan %q", s)
	}
	return p, nil
}
