package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sheetscrub/backend/internal/config"
	"github.com/sheetscrub/backend/internal/models"
	"github.com/sheetscrub/backend/internal/store"
)

type stubEntitlements struct{}

func (s *stubEntitlements) Get(ctx context.Context, userID string) (*models.Entitlement, error) {
	return nil, store.ErrNotFound
}

func TestHealthRoute(t *testing.T) {
	cfg := config.Config{ServerAddress: ":0"}
	server := New(cfg, nil, nil, nil, &stubEntitlements{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
}

func TestEntitlementRouteRequiresAuth(t *testing.T) {
	cfg := config.Config{ServerAddress: ":0"}
	server := New(cfg, nil, nil, nil, &stubEntitlements{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/entitlement", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rr.Code)
	}
}
