package stripe

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testSecret = "whsec_test_secret"

func TestConstructWebhookEventValidSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_1"}}}`)
	header := SignPayload(payload, testSecret, time.Now())

	event, err := ConstructWebhookEvent(payload, header, testSecret)
	if err != nil {
		t.Fatalf("ConstructWebhookEvent returned error: %v", err)
	}
	if event.ID != "evt_1" {
		t.Fatalf("unexpected event id: %q", event.ID)
	}
	if event.Type != "checkout.session.completed" {
		t.Fatalf("unexpected event type: %q", event.Type)
	}
	obj := event.Object()
	if obj == nil {
		t.Fatal("expected data.object to be populated")
	}
	if id, _ := obj["id"].(string); id != "cs_1" {
		t.Fatalf("unexpected session id: %q", id)
	}
}

func TestConstructWebhookEventWrongSecret(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)
	header := SignPayload(payload, "whsec_other", time.Now())

	if _, err := ConstructWebhookEvent(payload, header, testSecret); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestConstructWebhookEventTamperedPayload(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)
	header := SignPayload(payload, testSecret, time.Now())
	tampered := []byte(`{"id":"evt_2","type":"checkout.session.completed"}`)

	if _, err := ConstructWebhookEvent(tampered, header, testSecret); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestConstructWebhookEventMissingHeader(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)

	if _, err := ConstructWebhookEvent(payload, "", testSecret); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestConstructWebhookEventStaleTimestamp(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	header := SignPayload(payload, testSecret, time.Now().Add(-time.Hour))

	if _, err := ConstructWebhookEvent(payload, header, testSecret); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestConstructWebhookEventRotatedSecrets(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)
	now := time.Now()

	// During rotation Stripe sends one v1 entry per active secret; any
	// matching entry must verify.
	stale := SignPayload(payload, "whsec_old", now)
	current := SignPayload(payload, testSecret, now)
	_, currentSig, _ := strings.Cut(current, ",")
	combined := stale + "," + currentSig

	if _, err := ConstructWebhookEvent(payload, combined, testSecret); err != nil {
		t.Fatalf("expected rotated header to verify: %v", err)
	}
}
