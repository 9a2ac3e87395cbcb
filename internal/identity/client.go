package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnauthenticated is returned when the identity provider rejects a token.
var ErrUnauthenticated = errors.New("identity: invalid or expired token")

const requestTimeout = 5 * time.Second

// User is the resolved caller identity: the opaque stable id issued by the
// identity provider plus the email it has on file.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Client resolves session tokens against a Supabase-style identity provider
// using its REST endpoint directly (no SDK dependency).
type Client struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
}

// NewClient creates a new identity provider client.
func NewClient(baseURL, anonKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		anonKey:    anonKey,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// GetUser resolves an access token to the user it belongs to. Tokens the
// provider rejects map to ErrUnauthenticated; transport failures are
// returned as-is so callers can tell an invalid token from a provider outage.
func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	if accessToken == "" {
		return nil, ErrUnauthenticated
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, fmt.Errorf("identity: build request: %w", err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrUnauthenticated
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("identity: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("identity: parse response: %w", err)
	}
	if user.ID == "" {
		return nil, ErrUnauthenticated
	}
	return &user, nil
}
