package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sheetscrub/backend/internal/identity"
)

type stubResolver struct {
	user *identity.User
	err  error
}

func (s *stubResolver) GetUser(ctx context.Context, accessToken string) (*identity.User, error) {
	return s.user, s.err
}

type recordingProvisioner struct {
	userID string
	email  string
}

func (p *recordingProvisioner) EnsureRecord(ctx context.Context, userID, email string) error {
	p.userID = userID
	p.email = email
	return nil
}

func TestAuthenticatorResolvesBearerToken(t *testing.T) {
	resolver := &stubResolver{user: &identity.User{ID: "user-1", Email: "a@example.com"}}
	provisioner := &recordingProvisioner{}
	authn := NewAuthenticator(resolver, provisioner)

	var got *identity.User
	handler := authn.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = UserFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/entitlement", nil)
	req.Header.Set("Authorization", "Bearer token-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got == nil || got.ID != "user-1" {
		t.Fatalf("expected identity in context, got %+v", got)
	}
	if provisioner.userID != "user-1" || provisioner.email != "a@example.com" {
		t.Fatalf("expected entitlement provisioning, got %+v", provisioner)
	}
}

func TestAuthenticatorPassesThroughWithoutToken(t *testing.T) {
	authn := NewAuthenticator(&stubResolver{}, &recordingProvisioner{})

	var present bool
	handler := authn.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present = UserFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/stripe-webhook", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if present {
		t.Fatal("expected no identity without a bearer token")
	}
}

func TestAuthenticatorIgnoresRejectedToken(t *testing.T) {
	resolver := &stubResolver{err: identity.ErrUnauthenticated}
	provisioner := &recordingProvisioner{}
	authn := NewAuthenticator(resolver, provisioner)

	var present bool
	handler := authn.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present = UserFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/entitlement", nil)
	req.Header.Set("Authorization", "Bearer expired")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if present {
		t.Fatal("expected no identity for a rejected token")
	}
	if provisioner.userID != "" {
		t.Fatal("rejected token must not provision an entitlement")
	}
}
