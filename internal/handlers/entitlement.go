package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/sheetscrub/backend/internal/middleware"
	"github.com/sheetscrub/backend/internal/models"
	"github.com/sheetscrub/backend/internal/store"
)

// EntitlementReader defines the read operation backing the dashboard view.
type EntitlementReader interface {
	Get(ctx context.Context, userID string) (*models.Entitlement, error)
}

// Entitlement creates an HTTP handler that returns the caller's current
// plan and usage for the dashboard quota display.
func Entitlement(reader EntitlementReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := middleware.UserFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		record, err := reader.Get(r.Context(), user.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Not provisioned yet; report the free-tier defaults.
				writeJSON(w, http.StatusOK, map[string]any{
					"plan":        models.PlanFree,
					"usage_count": 0,
					"limit":       models.PlanFree.CleaningLimit(),
				})
				return
			}
			log.Printf("Entitlement: lookup failed for user %s: %v", user.ID, err)
			writeError(w, http.StatusInternalServerError, "failed to load entitlement")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"plan":        record.Plan,
			"usage_count": record.UsageCount,
			"limit":       record.Plan.CleaningLimit(),
		})
	}
}
