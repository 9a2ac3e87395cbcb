package models

// WebhookEvent is a verified, parsed Stripe webhook event. The event ID is
// the idempotency key for the processed-events ledger.
type WebhookEvent struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Object returns the event's data.object payload, or nil.
func (e WebhookEvent) Object() map[string]any {
	obj, _ := e.Data["object"].(map[string]any)
	return obj
}

// CheckoutSession is the subset of a Stripe checkout session this service
// cares about, extracted from either a webhook payload or a session lookup.
type CheckoutSession struct {
	ID            string `json:"id"`
	CustomerEmail string `json:"customer_email"`
	PriceID       string `json:"price_id"`
	PaymentStatus string `json:"payment_status"`
}
