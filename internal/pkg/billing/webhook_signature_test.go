package billing

import (
	"errors"
	"strconv"
	"testing"
	"time"
)

const testSecret = "whsec_test"

func TestVerifyWebhook(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed","created":1700000000,"data":{"object":{}}}`)
	now := time.Unix(1700000100, 0)

	ev, err := VerifyWebhook(payload, SignPayload(payload, testSecret, now), testSecret, 5*time.Minute, now)
	if err != nil {
		t.Fatalf("expected signature to validate, got %v", err)
	}
	if ev.ID != "evt_1" || ev.Type != WireCheckoutCompleted {
		t.Fatalf("unexpected event %+v", ev)
	}
	if got := ev.CreatedAt().Unix(); got != 1700000000 {
		t.Fatalf("CreatedAt = %d", got)
	}
}

func TestVerifyWebhookAcceptsAnyListedSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"x"}`)
	now := time.Now()
	header := SignPayload(payload, testSecret, now) + ",v1=deadbeef"
	header = "v1=00ff," + header
	if _, err := VerifyWebhook(payload, header, testSecret, time.Minute, now); err != nil {
		t.Fatalf("expected one matching v1 to be enough, got %v", err)
	}
}

func TestVerifyWebhookRejects(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"x"}`)
	now := time.Now()
	valid := SignPayload(payload, testSecret, now)
	stale := SignPayload(payload, testSecret, now.Add(-10*time.Minute))
	future := SignPayload(payload, testSecret, now.Add(10*time.Minute))

	tests := []struct {
		name    string
		payload []byte
		header  string
		secret  string
	}{
		{name: "wrong secret", payload: payload, header: valid, secret: "other"},
		{name: "tampered payload", payload: []byte(`{"id":"evt_2","type":"x"}`), header: valid, secret: testSecret},
		{name: "stale timestamp", payload: payload, header: stale, secret: testSecret},
		{name: "future timestamp", payload: payload, header: future, secret: testSecret},
		{name: "missing header", payload: payload, header: "", secret: testSecret},
		{name: "no v1", payload: payload, header: "t=" + strconv.FormatInt(now.Unix(), 10), secret: testSecret},
		{name: "bad timestamp", payload: payload, header: "t=abc,v1=00", secret: testSecret},
		{name: "no secret configured", payload: payload, header: valid, secret: ""},
		{name: "missing event id", payload: []byte(`{"type":"x"}`), header: SignPayload([]byte(`{"type":"x"}`), testSecret, now), secret: testSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := VerifyWebhook(tt.payload, tt.header, tt.secret, 5*time.Minute, now)
			if !errors.Is(err, ErrVerificationFailed) {
				t.Fatalf("expected ErrVerificationFailed, got %v", err)
			}
		})
	}
}
