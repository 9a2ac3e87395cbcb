package cleaner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// requestTimeout bounds a full cleaning round trip. Spreadsheet processing
// is slow compared to the other outbound calls, so the budget is generous.
const requestTimeout = 2 * time.Minute

// Client forwards cleaning requests to the remote spreadsheet-cleaning
// engine. The engine is opaque to this service; the multipart body is
// streamed through untouched in both directions.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new cleaning engine client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// Clean submits a cleaning request and returns the engine's raw response.
// The caller owns the response body and must close it.
func (c *Client) Clean(ctx context.Context, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/clean", body)
	if err != nil {
		return nil, fmt.Errorf("cleaner: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cleaner: request failed: %w", err)
	}
	return resp, nil
}
