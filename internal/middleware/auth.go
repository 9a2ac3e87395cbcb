package middleware

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/sheetscrub/backend/internal/identity"
)

type contextKey string

const userContextKey contextKey = "identity_user"

// IdentityResolver resolves a bearer token to the caller's identity.
type IdentityResolver interface {
	GetUser(ctx context.Context, accessToken string) (*identity.User, error)
}

// EntitlementProvisioner creates the free-tier entitlement row for users the
// service has not seen before.
type EntitlementProvisioner interface {
	EnsureRecord(ctx context.Context, userID, email string) error
}

// Authenticator resolves the caller identity from the Authorization header
// and stores it in the request context. Resolution is best-effort here;
// handlers that require a caller enforce it via UserFromContext, so public
// routes (webhook, health) pass through untouched.
type Authenticator struct {
	resolver IdentityResolver
	store    EntitlementProvisioner
}

// NewAuthenticator creates the identity middleware.
func NewAuthenticator(resolver IdentityResolver, store EntitlementProvisioner) *Authenticator {
	return &Authenticator{resolver: resolver, store: store}
}

// Middleware returns an HTTP middleware that attaches the resolved identity
// to the request context.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			user, err := a.resolver.GetUser(r.Context(), token)
			if err != nil {
				if err != identity.ErrUnauthenticated {
					log.Printf("[auth] identity lookup failed: %v", err)
				}
				next.ServeHTTP(w, r)
				return
			}

			// First sight of a user provisions their free-tier record so
			// the quota gate always has something to lock.
			if err := a.store.EnsureRecord(r.Context(), user.ID, user.Email); err != nil {
				log.Printf("[auth] failed to provision entitlement for %s: %v", user.ID, err)
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// WithUser returns a context carrying the resolved identity.
func WithUser(ctx context.Context, user *identity.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext returns the identity resolved by the middleware, if any.
func UserFromContext(ctx context.Context) (*identity.User, bool) {
	user, ok := ctx.Value(userContextKey).(*identity.User)
	return user, ok && user != nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, found := strings.CutPrefix(header, "Bearer "); found {
		return strings.TrimSpace(token)
	}
	return ""
}
