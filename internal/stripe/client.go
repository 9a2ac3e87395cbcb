package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sheetscrub/backend/internal/models"
)

// requestTimeout bounds every outbound Stripe call so a slow provider
// cannot hang a request handler.
const requestTimeout = 10 * time.Second

// Client wraps Stripe API calls using the REST API directly (no SDK dependency)
type Client struct {
	secretKey  string
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a new Stripe API client
func NewClient(secretKey string) *Client {
	return &Client{
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    "https://api.stripe.com/v1",
	}
}

// CreateCheckoutSession creates a Stripe Checkout session for a subscription.
// The price id is echoed into the session metadata so the webhook can resolve
// the purchased tier without trusting any client-supplied value, and the
// client reference id ties the session back to the recorded checkout intent.
func (c *Client) CreateCheckoutSession(ctx context.Context, customerEmail, priceID, clientReferenceID, successURL, cancelURL string) (sessionID, sessionURL string, err error) {
	data := url.Values{}
	data.Set("mode", "subscription")
	data.Set("customer_email", customerEmail)
	data.Set("line_items[0][price]", priceID)
	data.Set("line_items[0][quantity]", "1")
	data.Set("success_url", successURL)
	data.Set("cancel_url", cancelURL)
	data.Set("client_reference_id", clientReferenceID)
	data.Set("metadata[price_id]", priceID)
	data.Set("billing_address_collection", "auto")
	data.Set("allow_promotion_codes", "true")

	resp, err := c.post(ctx, "/checkout/sessions", data)
	if err != nil {
		return "", "", fmt.Errorf("create checkout session: %w", err)
	}

	sessionID, _ = resp["id"].(string)
	sessionURL, _ = resp["url"].(string)
	if sessionID == "" {
		return "", "", fmt.Errorf("create checkout session: missing session ID in response")
	}

	return sessionID, sessionURL, nil
}

// GetCheckoutSession retrieves a checkout session with its line items
// expanded, for the verify-after-redirect reconciliation path.
func (c *Client) GetCheckoutSession(ctx context.Context, sessionID string) (*models.CheckoutSession, error) {
	resp, err := c.get(ctx, "/checkout/sessions/"+url.PathEscape(sessionID)+"?expand[]=line_items")
	if err != nil {
		return nil, fmt.Errorf("get checkout session: %w", err)
	}
	session := SessionFromObject(resp)
	if session.ID == "" {
		return nil, fmt.Errorf("get checkout session: missing session ID in response")
	}
	return &session, nil
}

// SessionFromObject extracts the fields this service cares about from a raw
// checkout session object, whether it came from a webhook payload or a
// session lookup. The price id is taken from expanded line items first and
// falls back to the session metadata written at creation time.
func SessionFromObject(obj map[string]any) models.CheckoutSession {
	session := models.CheckoutSession{}
	session.ID, _ = obj["id"].(string)
	session.PaymentStatus, _ = obj["payment_status"].(string)

	if details, ok := obj["customer_details"].(map[string]any); ok {
		session.CustomerEmail, _ = details["email"].(string)
	}
	if session.CustomerEmail == "" {
		session.CustomerEmail, _ = obj["customer_email"].(string)
	}

	session.PriceID = extractLineItemPriceID(obj)
	if session.PriceID == "" {
		if metadata, ok := obj["metadata"].(map[string]any); ok {
			session.PriceID, _ = metadata["price_id"].(string)
		}
	}
	return session
}

// extractLineItemPriceID extracts the price ID from a session's expanded line items
func extractLineItemPriceID(obj map[string]any) string {
	items, ok := obj["line_items"].(map[string]any)
	if !ok {
		return ""
	}
	dataArr, ok := items["data"].([]any)
	if !ok || len(dataArr) == 0 {
		return ""
	}
	firstItem, ok := dataArr[0].(map[string]any)
	if !ok {
		return ""
	}
	price, ok := firstItem["price"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := price["id"].(string)
	return id
}

// HTTP helpers

func (c *Client) post(ctx context.Context, path string, data url.Values) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.secretKey, "")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.doRequest(req)
}

func (c *Client) get(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.secretKey, "")

	return c.doRequest(req)
}

func (c *Client) doRequest(req *http.Request) (map[string]any, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stripe request failed: %w", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, fmt.Errorf("read stripe response: %w", err)
	}

	var result map[string]any
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("parse stripe response: %w", err)
	}

	if resp.StatusCode >= 400 {
		errObj, _ := result["error"].(map[string]any)
		msg := "unknown error"
		if errObj != nil {
			if m, ok := errObj["message"].(string); ok {
				msg = m
			}
		}
		return nil, fmt.Errorf("stripe API error (%d): %s", resp.StatusCode, msg)
	}

	return result, nil
}
