package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sheetscrub/backend/internal/config"
	"github.com/sheetscrub/backend/internal/middleware"
	"github.com/sheetscrub/backend/internal/models"
	"github.com/sheetscrub/backend/internal/store"
	stripeClient "github.com/sheetscrub/backend/internal/stripe"
)

// intentMaxAge bounds how long a checkout intent may drive a transition.
// Stale intents are treated as missing so an abandoned session cannot apply
// an old purchase long after the fact.
const intentMaxAge = 24 * time.Hour

// maxWebhookBody caps the webhook payload size read into memory.
const maxWebhookBody = 65536

// EntitlementLookup defines the read operations the Stripe handlers need
// from the entitlement store.
type EntitlementLookup interface {
	GetUserIDByEmail(ctx context.Context, email string) (string, error)
}

// IntentStore defines the checkout intent operations used by the handlers.
type IntentStore interface {
	CreateIntent(ctx context.Context, intent *models.CheckoutIntent) error
	GetIntent(ctx context.Context, sessionID string, maxAge time.Duration) (*models.CheckoutIntent, error)
	MarkConsumed(ctx context.Context, sessionID string) error
}

// EventLedger is the idempotency ledger for processed webhook deliveries.
type EventLedger interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error)
}

// CheckoutProvider defines the payment provider operations used by the handlers.
type CheckoutProvider interface {
	CreateCheckoutSession(ctx context.Context, customerEmail, priceID, clientReferenceID, successURL, cancelURL string) (sessionID, sessionURL string, err error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*models.CheckoutSession, error)
}

// Transitioner applies a verified plan transition. Both the webhook and the
// verify paths go through it; nothing else mutates plans.
type Transitioner interface {
	Apply(ctx context.Context, userID string, plan models.Plan) (*models.TransitionOutcome, error)
}

// StripeHandler holds dependencies for checkout and reconciliation handlers
type StripeHandler struct {
	Entitlements EntitlementLookup
	Intents      IntentStore
	Ledger       EventLedger
	Stripe       CheckoutProvider
	Reconciler   Transitioner
	Config       config.Config
}

// NewStripeHandler creates a new StripeHandler
func NewStripeHandler(entitlements EntitlementLookup, intents IntentStore, ledger EventLedger, stripe CheckoutProvider, reconciler Transitioner, cfg config.Config) *StripeHandler {
	return &StripeHandler{
		Entitlements: entitlements,
		Intents:      intents,
		Ledger:       ledger,
		Stripe:       stripe,
		Reconciler:   reconciler,
		Config:       cfg,
	}
}

// RegisterRoutes registers checkout/webhook/verification routes
func (h *StripeHandler) RegisterRoutes(router chi.Router) {
	router.Get("/create-checkout-session", h.CreateCheckoutSession())
	router.Post("/stripe-webhook", h.HandleWebhook())
	router.Get("/verify-checkout", h.VerifyCheckout())
}

// CreateCheckoutSession creates a Stripe Checkout session for the selected
// plan and records the checkout intent before handing back the redirect URL.
func (h *StripeHandler) CreateCheckoutSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := middleware.UserFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		planParam := r.URL.Query().Get("plan")
		if planParam == "" {
			planParam = string(models.PlanPro)
		}

		plan, err := models.ParsePlan(planParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid plan selected")
			return
		}
		priceID, ok := h.Config.PriceIDForPlan(plan)
		if !ok {
			// Free has no price; anything else unmapped is a config gap.
			writeError(w, http.StatusBadRequest, "Invalid plan selected")
			return
		}

		successURL := h.Config.AppURL + "/success?session_id={CHECKOUT_SESSION_ID}"
		cancelURL := h.Config.AppURL + "/pricing"
		clientRef := uuid.NewString()

		sessionID, sessionURL, err := h.Stripe.CreateCheckoutSession(r.Context(), user.Email, priceID, clientRef, successURL, cancelURL)
		if err != nil {
			log.Printf("CreateCheckoutSession: Stripe error: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to create checkout session")
			return
		}

		intent := &models.CheckoutIntent{
			SessionID:         sessionID,
			UserID:            user.ID,
			Email:             user.Email,
			RequestedPlan:     plan,
			ClientReferenceID: clientRef,
		}
		if err := h.Intents.CreateIntent(r.Context(), intent); err != nil {
			// Without the intent the session cannot be correlated back to
			// the user, so the redirect URL is withheld.
			log.Printf("CreateCheckoutSession: failed to record intent for session %s: %v", sessionID, err)
			writeError(w, http.StatusInternalServerError, "failed to create checkout session")
			return
		}

		log.Printf("CreateCheckoutSession: session %s created for user %s (plan %s)", sessionID, user.ID, plan)
		writeJSON(w, http.StatusOK, map[string]string{"url": sessionURL})
	}
}

// HandleWebhook processes Stripe webhook events. The raw body is verified
// against the signing secret before any parsing; authenticated deliveries
// are always acknowledged except on transient store failure, which returns
// 500 so Stripe re-delivers.
func (h *StripeHandler) HandleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read body")
			return
		}

		event, err := stripeClient.ConstructWebhookEvent(body, r.Header.Get("Stripe-Signature"), h.Config.StripeWebhookSecret)
		if err != nil {
			log.Printf("Webhook: rejected delivery: %v", err)
			writeError(w, http.StatusBadRequest, "invalid webhook payload")
			return
		}

		log.Printf("[webhook] Received event %s (type: %s)", event.ID, event.Type)

		switch event.Type {
		case "checkout.session.completed":
			if err := h.handleCheckoutCompleted(r.Context(), event); err != nil {
				log.Printf("[webhook] transient failure for event %s: %v", event.ID, err)
				writeError(w, http.StatusInternalServerError, "temporary failure, retry")
				return
			}

		default:
			log.Printf("[webhook] Unhandled event type: %s", event.Type)
		}

		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	}
}

// handleCheckoutCompleted applies the entitlement transition for a completed
// checkout. A nil return means the delivery is settled and must be
// acknowledged; a non-nil return signals a transient failure worth a retry.
func (h *StripeHandler) handleCheckoutCompleted(ctx context.Context, event models.WebhookEvent) error {
	processed, err := h.Ledger.IsProcessed(ctx, event.ID)
	if err != nil {
		return err
	}
	if processed {
		log.Printf("[webhook] event %s already processed, skipping", event.ID)
		return nil
	}

	session := stripeClient.SessionFromObject(event.Object())
	if session.ID == "" {
		log.Printf("[webhook] event %s: malformed session object", event.ID)
		return nil
	}

	plan, ok := h.Config.PlanForPriceID(session.PriceID)
	if !ok {
		log.Printf("[webhook] event %s: unknown price id %q on session %s", event.ID, session.PriceID, session.ID)
		return nil
	}

	userID, err := h.resolveUser(ctx, session)
	if err != nil {
		return err
	}
	if userID == "" {
		log.Printf("[webhook] event %s: could not resolve user for session %s (email %q)", event.ID, session.ID, session.CustomerEmail)
		return nil
	}

	outcome, err := h.Reconciler.Apply(ctx, userID, plan)
	if err != nil {
		return err
	}
	if outcome.Applied {
		log.Printf("[webhook] event %s: user %s upgraded to %s", event.ID, userID, plan)
	} else {
		log.Printf("[webhook] event %s: transition ignored (%s), user %s stays on %s", event.ID, outcome.Reason, userID, outcome.Plan)
	}

	if err := h.Intents.MarkConsumed(ctx, session.ID); err != nil {
		log.Printf("[webhook] event %s: failed to mark intent consumed: %v", event.ID, err)
	}
	if _, err := h.Ledger.MarkProcessed(ctx, event.ID, event.Type); err != nil {
		// The transition itself is idempotent, so a redelivery that slips
		// past the ledger is harmless.
		log.Printf("[webhook] event %s: failed to record in ledger: %v", event.ID, err)
	}
	return nil
}

// resolveUser maps a checkout session to a user id: the recorded intent
// first, the payer email as fallback. An empty id with nil error means the
// user is unresolvable and the delivery should be acknowledged as an anomaly.
func (h *StripeHandler) resolveUser(ctx context.Context, session models.CheckoutSession) (string, error) {
	intent, err := h.Intents.GetIntent(ctx, session.ID, intentMaxAge)
	if err == nil {
		return intent.UserID, nil
	}
	if !errors.Is(err, store.ErrIntentNotFound) {
		return "", err
	}

	if session.CustomerEmail == "" {
		return "", nil
	}
	userID, err := h.Entitlements.GetUserIDByEmail(ctx, session.CustomerEmail)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return userID, nil
}

// VerifyCheckout is the client-triggered fallback for webhook delay or
// loss: it re-queries Stripe for the session outcome and applies the same
// transition as the webhook path. The caller must own the session's
// checkout intent; a missing intent and a foreign intent produce the same
// response so nothing leaks about other users' sessions.
func (h *StripeHandler) VerifyCheckout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := middleware.UserFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			writeError(w, http.StatusBadRequest, "Missing session ID")
			return
		}

		intent, err := h.Intents.GetIntent(r.Context(), sessionID, intentMaxAge)
		if err != nil {
			if errors.Is(err, store.ErrIntentNotFound) {
				writeError(w, http.StatusForbidden, "session verification not permitted")
				return
			}
			log.Printf("VerifyCheckout: intent lookup failed: %v", err)
			writeError(w, http.StatusInternalServerError, "verification failed")
			return
		}
		if intent.UserID != user.ID {
			log.Printf("VerifyCheckout: user %s attempted to verify session %s owned by %s", user.ID, sessionID, intent.UserID)
			writeError(w, http.StatusForbidden, "session verification not permitted")
			return
		}

		session, err := h.Stripe.GetCheckoutSession(r.Context(), sessionID)
		if err != nil {
			log.Printf("VerifyCheckout: session lookup failed: %v", err)
			writeError(w, http.StatusInternalServerError, "verification failed")
			return
		}
		if session.PaymentStatus != "paid" {
			writeError(w, http.StatusBadRequest, "payment not completed")
			return
		}

		plan, ok := h.Config.PlanForPriceID(session.PriceID)
		if !ok {
			log.Printf("VerifyCheckout: unknown price id %q on session %s", session.PriceID, sessionID)
			writeError(w, http.StatusInternalServerError, "verification failed")
			return
		}

		outcome, err := h.Reconciler.Apply(r.Context(), user.ID, plan)
		if err != nil {
			log.Printf("VerifyCheckout: transition failed: %v", err)
			writeError(w, http.StatusInternalServerError, "verification failed")
			return
		}
		if !outcome.Applied {
			// The webhook won the race; the purchase is already reflected.
			log.Printf("VerifyCheckout: transition ignored (%s) for user %s", outcome.Reason, user.ID)
		}

		if err := h.Intents.MarkConsumed(r.Context(), sessionID); err != nil {
			log.Printf("VerifyCheckout: failed to mark intent consumed: %v", err)
		}

		writeJSON(w, http.StatusOK, map[string]any{"success": true, "plan": plan})
	}
}
