package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sheetscrub/backend/internal/models"
)

// ErrInvalidSignature is returned when a webhook payload fails signature
// verification. The body must not be processed in that case.
var ErrInvalidSignature = errors.New("webhook signature verification failed")

// signatureTolerance bounds the accepted age of a signed payload, limiting
// replay of captured deliveries.
const signatureTolerance = 5 * time.Minute

// ConstructWebhookEvent verifies the Stripe-Signature header against the raw
// payload and the webhook signing secret, then parses the event. The
// signature scheme is Stripe's v1: HMAC-SHA256 over "<timestamp>.<payload>",
// delivered as "t=<timestamp>,v1=<hex>" (possibly with multiple v1 entries
// during secret rotation). Verification happens before any parsing of the
// body.
func ConstructWebhookEvent(payload []byte, sigHeader, secret string) (models.WebhookEvent, error) {
	if err := verifySignature(payload, sigHeader, secret, time.Now()); err != nil {
		return models.WebhookEvent{}, err
	}

	var raw struct {
		ID   string         `json:"id"`
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return models.WebhookEvent{}, fmt.Errorf("parse webhook event: %w", err)
	}
	if raw.ID == "" {
		return models.WebhookEvent{}, fmt.Errorf("parse webhook event: missing event id")
	}

	return models.WebhookEvent{ID: raw.ID, Type: raw.Type, Data: raw.Data}, nil
}

func verifySignature(payload []byte, sigHeader, secret string, now time.Time) error {
	if sigHeader == "" || secret == "" {
		return ErrInvalidSignature
	}

	var timestamp int64
	var candidates []string
	for _, part := range strings.Split(sigHeader, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return ErrInvalidSignature
			}
			timestamp = ts
		case "v1":
			candidates = append(candidates, value)
		}
	}
	if timestamp == 0 || len(candidates) == 0 {
		return ErrInvalidSignature
	}

	age := now.Sub(time.Unix(timestamp, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, candidate := range candidates {
		decoded, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// SignPayload produces a Stripe-Signature header value for a payload. Used
// by tests and local tooling to forge valid deliveries.
func SignPayload(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}
