package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/sheetscrub/backend/internal/middleware"
	"github.com/sheetscrub/backend/internal/models"
	"github.com/sheetscrub/backend/internal/store"
)

// QuotaGate defines the admission check run before the cleaning engine is
// invoked. It atomically checks and consumes one unit of the caller's quota.
type QuotaGate interface {
	TryConsumeUsage(ctx context.Context, userID string) (*models.UsageDecision, error)
}

// CleaningEngine forwards an admitted cleaning request to the remote engine.
type CleaningEngine interface {
	Clean(ctx context.Context, body io.Reader, contentType string) (*http.Response, error)
}

// CleanHandler gates cleaning requests on the caller's quota and proxies
// admitted requests to the cleaning engine.
type CleanHandler struct {
	Gate    QuotaGate
	Cleaner CleaningEngine
}

// NewCleanHandler creates a new CleanHandler
func NewCleanHandler(gate QuotaGate, cleaner CleaningEngine) *CleanHandler {
	return &CleanHandler{Gate: gate, Cleaner: cleaner}
}

// Clean handles POST /clean. Denied quota produces the literal
// "Usage limit reached" marker the frontend routes on; an unauthenticated
// caller is a different error kind entirely (401, not 403).
func (h *CleanHandler) Clean() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := middleware.UserFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "You must be logged in to clean files.")
			return
		}

		decision, err := h.Gate.TryConsumeUsage(r.Context(), user.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// The middleware provisions records on login, so a missing
				// record here is a store anomaly rather than a new user.
				log.Printf("Clean: no entitlement record for user %s", user.ID)
			} else {
				log.Printf("Clean: quota check failed for user %s: %v", user.ID, err)
			}
			writeError(w, http.StatusInternalServerError, "failed to check usage")
			return
		}
		if !decision.Allowed {
			log.Printf("Clean: user %s denied at %d/%d (%s)", user.ID, decision.Used, decision.Limit, decision.Plan)
			writeError(w, http.StatusForbidden, quotaExceededMessage)
			return
		}

		w.Header().Set("X-Usage-Count", strconv.Itoa(decision.Used))
		w.Header().Set("X-Usage-Limit", strconv.Itoa(decision.Limit))

		resp, err := h.Cleaner.Clean(r.Context(), r.Body, r.Header.Get("Content-Type"))
		if err != nil {
			log.Printf("Clean: engine call failed for user %s: %v", user.ID, err)
			writeError(w, http.StatusBadGateway, "cleaning engine unavailable")
			return
		}
		defer resp.Body.Close()

		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		if cd := resp.Header.Get("Content-Disposition"); cd != "" {
			w.Header().Set("Content-Disposition", cd)
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			log.Printf("Clean: failed to stream engine response: %v", err)
		}
	}
}
