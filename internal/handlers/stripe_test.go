package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sheetscrub/backend/internal/config"
	"github.com/sheetscrub/backend/internal/identity"
	"github.com/sheetscrub/backend/internal/middleware"
	"github.com/sheetscrub/backend/internal/models"
	"github.com/sheetscrub/backend/internal/store"
	stripeClient "github.com/sheetscrub/backend/internal/stripe"
)

const testWebhookSecret = "whsec_test"

func testConfig() config.Config {
	return config.Config{
		AppURL:              "https://app.example.com",
		StripeWebhookSecret: testWebhookSecret,
		StripePriceIDs: map[models.Plan]string{
			models.PlanPro:      "price_pro_123",
			models.PlanBusiness: "price_biz_456",
		},
	}
}

type fakeIntents struct {
	mu       sync.Mutex
	intents  map[string]*models.CheckoutIntent
	consumed []string
	created  []*models.CheckoutIntent
}

func newFakeIntents() *fakeIntents {
	return &fakeIntents{intents: make(map[string]*models.CheckoutIntent)}
}

func (f *fakeIntents) CreateIntent(ctx context.Context, intent *models.CheckoutIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	intent.CreatedAt = time.Now().UTC()
	f.intents[intent.SessionID] = intent
	f.created = append(f.created, intent)
	return nil
}

func (f *fakeIntents) GetIntent(ctx context.Context, sessionID string, maxAge time.Duration) (*models.CheckoutIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	intent, ok := f.intents[sessionID]
	if !ok || time.Since(intent.CreatedAt) > maxAge {
		return nil, store.ErrIntentNotFound
	}
	copied := *intent
	return &copied, nil
}

func (f *fakeIntents) MarkConsumed(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumed = append(f.consumed, sessionID)
	return nil
}

type fakeLedger struct {
	mu        sync.Mutex
	processed map[string]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{processed: make(map[string]bool)}
}

func (f *fakeLedger) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed[eventID], nil
}

func (f *fakeLedger) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.processed[eventID] {
		return false, nil
	}
	f.processed[eventID] = true
	return true, nil
}

type fakeProvider struct {
	session   *models.CheckoutSession
	sessionID string
	createErr error
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, customerEmail, priceID, clientReferenceID, successURL, cancelURL string) (string, string, error) {
	if f.createErr != nil {
		return "", "", f.createErr
	}
	id := f.sessionID
	if id == "" {
		id = "cs_test_1"
	}
	return id, "https://checkout.stripe.com/pay/" + id, nil
}

func (f *fakeProvider) GetCheckoutSession(ctx context.Context, sessionID string) (*models.CheckoutSession, error) {
	if f.session == nil {
		return nil, errors.New("session lookup failed")
	}
	return f.session, nil
}

// fakeEntitlements mirrors the monotonic transition semantics of the real
// store so race tests exercise genuine convergence behaviour.
type fakeEntitlements struct {
	mu      sync.Mutex
	plans   map[string]models.Plan
	byEmail map[string]string
	applies int
}

func newFakeEntitlements() *fakeEntitlements {
	return &fakeEntitlements{
		plans:   make(map[string]models.Plan),
		byEmail: make(map[string]string),
	}
}

func (f *fakeEntitlements) GetUserIDByEmail(ctx context.Context, email string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byEmail[strings.ToLower(email)]; ok {
		return id, nil
	}
	return "", store.ErrNotFound
}

func (f *fakeEntitlements) Apply(ctx context.Context, userID string, plan models.Plan) (*models.TransitionOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.plans[userID]
	if !ok {
		current = models.PlanFree
	}
	if plan.Tier() == current.Tier() {
		return &models.TransitionOutcome{Applied: false, Reason: models.ReasonAlreadyApplied, Plan: current}, nil
	}
	if plan.Tier() < current.Tier() {
		return &models.TransitionOutcome{Applied: false, Reason: models.ReasonNoDowngrade, Plan: current}, nil
	}
	f.plans[userID] = plan
	f.applies++
	return &models.TransitionOutcome{Applied: true, Plan: plan}, nil
}

func newTestHandler(entitlements *fakeEntitlements, intents *fakeIntents, ledger *fakeLedger, provider *fakeProvider) *StripeHandler {
	return NewStripeHandler(entitlements, intents, ledger, provider, entitlements, testConfig())
}

func authedRequest(method, target string, body *bytes.Reader, user *identity.User) *http.Request {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, body)
	}
	if user != nil {
		req = req.WithContext(middleware.WithUser(req.Context(), user))
	}
	return req
}

func completedEventPayload(eventID, sessionID, email, priceID string) []byte {
	payload, _ := json.Marshal(map[string]any{
		"id":   eventID,
		"type": "checkout.session.completed",
		"data": map[string]any{
			"object": map[string]any{
				"id":               sessionID,
				"payment_status":   "paid",
				"customer_details": map[string]any{"email": email},
				"metadata":         map[string]any{"price_id": priceID},
			},
		},
	})
	return payload
}

func postWebhook(t *testing.T, h *StripeHandler, payload []byte, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/stripe-webhook", bytes.NewReader(payload))
	if sign {
		req.Header.Set("Stripe-Signature", stripeClient.SignPayload(payload, testWebhookSecret, time.Now()))
	}
	rr := httptest.NewRecorder()
	h.HandleWebhook().ServeHTTP(rr, req)
	return rr
}

func TestCreateCheckoutSessionRecordsIntent(t *testing.T) {
	intents := newFakeIntents()
	h := newTestHandler(newFakeEntitlements(), intents, newFakeLedger(), &fakeProvider{sessionID: "cs_42"})

	req := authedRequest(http.MethodGet, "/create-checkout-session?plan=pro", nil, &identity.User{ID: "user-a", Email: "a@example.com"})
	rr := httptest.NewRecorder()
	h.CreateCheckoutSession().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d (%s)", rr.Code, rr.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["url"] == "" {
		t.Fatal("expected redirect url in response")
	}

	if len(intents.created) != 1 {
		t.Fatalf("expected 1 recorded intent, got %d", len(intents.created))
	}
	intent := intents.created[0]
	if intent.SessionID != "cs_42" || intent.UserID != "user-a" || intent.RequestedPlan != models.PlanPro {
		t.Fatalf("unexpected intent: %+v", intent)
	}
}

func TestCreateCheckoutSessionInvalidPlan(t *testing.T) {
	h := newTestHandler(newFakeEntitlements(), newFakeIntents(), newFakeLedger(), &fakeProvider{})

	req := authedRequest(http.MethodGet, "/create-checkout-session?plan=platinum", nil, &identity.User{ID: "user-a"})
	rr := httptest.NewRecorder()
	h.CreateCheckoutSession().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Invalid plan selected") {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestCreateCheckoutSessionFreePlanRejected(t *testing.T) {
	h := newTestHandler(newFakeEntitlements(), newFakeIntents(), newFakeLedger(), &fakeProvider{})

	req := authedRequest(http.MethodGet, "/create-checkout-session?plan=free", nil, &identity.User{ID: "user-a"})
	rr := httptest.NewRecorder()
	h.CreateCheckoutSession().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for free plan, got %d", rr.Code)
	}
}

func TestCreateCheckoutSessionRequiresAuth(t *testing.T) {
	h := newTestHandler(newFakeEntitlements(), newFakeIntents(), newFakeLedger(), &fakeProvider{})

	req := httptest.NewRequest(http.MethodGet, "/create-checkout-session?plan=pro", nil)
	rr := httptest.NewRecorder()
	h.CreateCheckoutSession().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestWebhookRejectsForgedSignature(t *testing.T) {
	entitlements := newFakeEntitlements()
	h := newTestHandler(entitlements, newFakeIntents(), newFakeLedger(), &fakeProvider{})

	payload := completedEventPayload("evt_1", "cs_1", "a@example.com", "price_pro_123")
	rr := postWebhook(t, h, payload, false)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsigned payload, got %d", rr.Code)
	}
	if entitlements.applies != 0 {
		t.Fatal("forged delivery must cause zero entitlement mutations")
	}
}

func TestWebhookAppliesCompletedCheckout(t *testing.T) {
	entitlements := newFakeEntitlements()
	intents := newFakeIntents()
	intents.CreateIntent(context.Background(), &models.CheckoutIntent{
		SessionID: "cs_1", UserID: "user-a", RequestedPlan: models.PlanPro,
	})
	h := newTestHandler(entitlements, intents, newFakeLedger(), &fakeProvider{})

	payload := completedEventPayload("evt_1", "cs_1", "a@example.com", "price_pro_123")
	rr := postWebhook(t, h, payload, true)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	if entitlements.plans["user-a"] != models.PlanPro {
		t.Fatalf("expected user-a on pro, got %q", entitlements.plans["user-a"])
	}
}

func TestWebhookIdempotentRedelivery(t *testing.T) {
	entitlements := newFakeEntitlements()
	intents := newFakeIntents()
	intents.CreateIntent(context.Background(), &models.CheckoutIntent{
		SessionID: "cs_1", UserID: "user-a", RequestedPlan: models.PlanPro,
	})
	h := newTestHandler(entitlements, intents, newFakeLedger(), &fakeProvider{})

	payload := completedEventPayload("evt_1", "cs_1", "a@example.com", "price_pro_123")

	first := postWebhook(t, h, payload, true)
	second := postWebhook(t, h, payload, true)

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("both deliveries must be acknowledged: %d, %d", first.Code, second.Code)
	}
	if entitlements.applies != 1 {
		t.Fatalf("expected exactly one entitlement mutation, got %d", entitlements.applies)
	}
}

func TestWebhookResolvesUserByEmailFallback(t *testing.T) {
	entitlements := newFakeEntitlements()
	entitlements.byEmail["a@example.com"] = "user-a"
	h := newTestHandler(entitlements, newFakeIntents(), newFakeLedger(), &fakeProvider{})

	// No intent recorded; resolution falls back to the payer email.
	payload := completedEventPayload("evt_2", "cs_unknown", "a@example.com", "price_biz_456")
	rr := postWebhook(t, h, payload, true)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if entitlements.plans["user-a"] != models.PlanBusiness {
		t.Fatalf("expected business plan, got %q", entitlements.plans["user-a"])
	}
}

func TestWebhookAcksUnresolvableUser(t *testing.T) {
	entitlements := newFakeEntitlements()
	h := newTestHandler(entitlements, newFakeIntents(), newFakeLedger(), &fakeProvider{})

	payload := completedEventPayload("evt_3", "cs_unknown", "ghost@example.com", "price_pro_123")
	rr := postWebhook(t, h, payload, true)

	// Anomaly: acknowledged so the provider stops retrying.
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if entitlements.applies != 0 {
		t.Fatal("unresolvable user must not mutate entitlements")
	}
}

func TestWebhookIgnoresUnhandledEventTypes(t *testing.T) {
	entitlements := newFakeEntitlements()
	h := newTestHandler(entitlements, newFakeIntents(), newFakeLedger(), &fakeProvider{})

	payload, _ := json.Marshal(map[string]any{
		"id":   "evt_4",
		"type": "invoice.payment_succeeded",
		"data": map[string]any{"object": map[string]any{}},
	})
	rr := postWebhook(t, h, payload, true)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for unhandled type, got %d", rr.Code)
	}
	if entitlements.applies != 0 {
		t.Fatal("unhandled event types must not mutate entitlements")
	}
}

func TestVerifyCheckoutAppliesPlan(t *testing.T) {
	entitlements := newFakeEntitlements()
	intents := newFakeIntents()
	intents.CreateIntent(context.Background(), &models.CheckoutIntent{
		SessionID: "cs_1", UserID: "user-a", RequestedPlan: models.PlanPro,
	})
	provider := &fakeProvider{session: &models.CheckoutSession{
		ID: "cs_1", PriceID: "price_pro_123", PaymentStatus: "paid",
	}}
	h := newTestHandler(entitlements, intents, newFakeLedger(), provider)

	req := authedRequest(http.MethodGet, "/verify-checkout?session_id=cs_1", nil, &identity.User{ID: "user-a"})
	rr := httptest.NewRecorder()
	h.VerifyCheckout().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	var resp struct {
		Success bool        `json:"success"`
		Plan    models.Plan `json:"plan"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Success || resp.Plan != models.PlanPro {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if entitlements.plans["user-a"] != models.PlanPro {
		t.Fatalf("expected user-a on pro, got %q", entitlements.plans["user-a"])
	}
}

func TestVerifyCheckoutCrossUserForbidden(t *testing.T) {
	entitlements := newFakeEntitlements()
	intents := newFakeIntents()
	intents.CreateIntent(context.Background(), &models.CheckoutIntent{
		SessionID: "cs_1", UserID: "user-a", RequestedPlan: models.PlanPro,
	})
	provider := &fakeProvider{session: &models.CheckoutSession{
		ID: "cs_1", PriceID: "price_pro_123", PaymentStatus: "paid",
	}}
	h := newTestHandler(entitlements, intents, newFakeLedger(), provider)

	req := authedRequest(http.MethodGet, "/verify-checkout?session_id=cs_1", nil, &identity.User{ID: "user-b"})
	rr := httptest.NewRecorder()
	h.VerifyCheckout().ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if entitlements.applies != 0 {
		t.Fatal("cross-user verification must not mutate any record")
	}

	// A missing intent yields the identical response, so an attacker
	// cannot probe which session ids exist.
	reqMissing := authedRequest(http.MethodGet, "/verify-checkout?session_id=cs_ghost", nil, &identity.User{ID: "user-b"})
	rrMissing := httptest.NewRecorder()
	h.VerifyCheckout().ServeHTTP(rrMissing, reqMissing)

	if rrMissing.Code != rr.Code || rrMissing.Body.String() != rr.Body.String() {
		t.Fatal("missing and foreign intents must be indistinguishable")
	}
}

func TestVerifyCheckoutUnpaidSession(t *testing.T) {
	entitlements := newFakeEntitlements()
	intents := newFakeIntents()
	intents.CreateIntent(context.Background(), &models.CheckoutIntent{
		SessionID: "cs_1", UserID: "user-a", RequestedPlan: models.PlanPro,
	})
	provider := &fakeProvider{session: &models.CheckoutSession{
		ID: "cs_1", PriceID: "price_pro_123", PaymentStatus: "unpaid",
	}}
	h := newTestHandler(entitlements, intents, newFakeLedger(), provider)

	req := authedRequest(http.MethodGet, "/verify-checkout?session_id=cs_1", nil, &identity.User{ID: "user-a"})
	rr := httptest.NewRecorder()
	h.VerifyCheckout().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unpaid session, got %d", rr.Code)
	}
	if entitlements.applies != 0 {
		t.Fatal("unpaid session must not mutate entitlements")
	}
}

func TestWebhookVerifyRaceConverges(t *testing.T) {
	entitlements := newFakeEntitlements()
	intents := newFakeIntents()
	intents.CreateIntent(context.Background(), &models.CheckoutIntent{
		SessionID: "cs_1", UserID: "user-a", RequestedPlan: models.PlanPro,
	})
	provider := &fakeProvider{session: &models.CheckoutSession{
		ID: "cs_1", PriceID: "price_pro_123", PaymentStatus: "paid",
	}}
	h := newTestHandler(entitlements, intents, newFakeLedger(), provider)

	payload := completedEventPayload("evt_1", "cs_1", "a@example.com", "price_pro_123")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		rr := postWebhook(t, h, payload, true)
		if rr.Code != http.StatusOK {
			t.Errorf("webhook path failed: %d", rr.Code)
		}
	}()
	go func() {
		defer wg.Done()
		req := authedRequest(http.MethodGet, "/verify-checkout?session_id=cs_1", nil, &identity.User{ID: "user-a"})
		rr := httptest.NewRecorder()
		h.VerifyCheckout().ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("verify path failed: %d", rr.Code)
		}
	}()
	wg.Wait()

	if entitlements.plans["user-a"] != models.PlanPro {
		t.Fatalf("expected convergence on pro, got %q", entitlements.plans["user-a"])
	}
	if entitlements.applies != 1 {
		t.Fatalf("expected exactly one applied transition, got %d", entitlements.applies)
	}
}
