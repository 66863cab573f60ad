package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/creditgate/internal/pkg/billing"
	"github.com/ManuelReschke/creditgate/internal/pkg/entitlements"
	metrics "github.com/ManuelReschke/creditgate/internal/pkg/metrics/counter"
)

const testWebhookSecret = "whsec_controller"

type stubProvider struct {
	statuses map[string]*billing.SubscriptionStatus
}

func (p *stubProvider) GetSubscriptionStatus(ctx context.Context, subscriptionID string) (*billing.SubscriptionStatus, error) {
	st, ok := p.statuses[subscriptionID]
	if !ok {
		return nil, billing.ErrUnknownSubscription
	}
	cp := *st
	return &cp, nil
}

type testEnv struct {
	app      *fiber.App
	store    *entitlements.MemoryStore
	counters *metrics.Counters
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := entitlements.NewMemoryStore()
	counters := metrics.New(nil)
	provider := &stubProvider{statuses: map[string]*billing.SubscriptionStatus{
		"sub_live": {SubscriptionID: "sub_live", Status: "active", Active: true},
		"sub_dead": {SubscriptionID: "sub_dead", Status: "canceled"},
	}}
	cfg := billing.Config{
		Provider:         "stripe",
		WebhookSecret:    testWebhookSecret,
		WebhookTolerance: 5 * time.Minute,
		RetryAttempts:    20,
		ReconcileLockTTL: time.Minute,
		Events:           billing.EventConfig{CreditProductCredits: 10},
	}
	svc := billing.NewService(cfg, store, provider, billing.NewLocalLocker(), nil, counters)

	bc := NewBillingController(svc)
	ec := NewEntitlementController(svc, store, counters, nil)

	app := fiber.New()
	app.Post("/billing/webhook", bc.HandleWebhook)
	v1 := app.Group("/api/v1")
	v1.Get("/entitlements", ec.HandleListEntitlements)
	v1.Get("/entitlements/:userId", ec.HandleGetEntitlement)
	v1.Post("/entitlements/:userId/activate", ec.HandleActivate)
	v1.Post("/entitlements/:userId/cancel", ec.HandleCancel)
	v1.Post("/entitlements/:userId/sync", ec.HandleSync)
	v1.Post("/entitlements/:userId/reactivate", ec.HandleReactivate)
	v1.Post("/entitlements/:userId/credits/grant", ec.HandleGrantCredits)
	v1.Post("/entitlements/:userId/credits/consume", ec.HandleConsumeCredits)
	v1.Get("/billing/webhook-events", bc.HandleListWebhookEvents)
	v1.Get("/billing/stats", ec.HandleStats)

	return &testEnv{app: app, store: store, counters: counters}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case []byte:
			reader = bytes.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func signedWebhook(t *testing.T, id, typ string, object map[string]interface{}) ([]byte, map[string]string) {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":      id,
		"type":    typ,
		"created": time.Now().Unix(),
		"data":    map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return payload, map[string]string{billing.SignatureHeader: billing.SignPayload(payload, testWebhookSecret, time.Now())}
}

func TestWebhookAppliesAndAcknowledgesDuplicates(t *testing.T) {
	env := newTestEnv(t)
	payload, headers := signedWebhook(t, "evt_1", billing.WireCheckoutCompleted, map[string]interface{}{
		"mode": "subscription", "subscription": "sub_1", "client_reference_id": "user-1",
	})

	status, body := env.do(t, http.MethodPost, "/billing/webhook", payload, headers)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "applied", body["outcome"])

	status, body = env.do(t, http.MethodPost, "/billing/webhook", payload, headers)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["duplicate"])

	status, body = env.do(t, http.MethodGet, "/api/v1/entitlements/user-1", nil, nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "active", body["state"])
	assert.Equal(t, float64(1), body["processed_events"])
}

func TestWebhookRejectsBadSignatureAndPayload(t *testing.T) {
	env := newTestEnv(t)
	payload, _ := signedWebhook(t, "evt_1", billing.WireCheckoutCompleted, map[string]interface{}{})

	status, body := env.do(t, http.MethodPost, "/billing/webhook", payload, map[string]string{
		billing.SignatureHeader: billing.SignPayload(payload, "wrong", time.Now()),
	})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_signature", body["error"])

	status, _ = env.do(t, http.MethodPost, "/billing/webhook", payload, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)

	bad, headers := signedWebhook(t, "evt_2", billing.WireCheckoutCompleted, map[string]interface{}{
		"mode": "subscription", "client_reference_id": "user-1",
	})
	status, body = env.do(t, http.MethodPost, "/billing/webhook", bad, headers)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_payload", body["error"])
}

func TestWebhookUnroutableIsAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	payload, headers := signedWebhook(t, "evt_pf", billing.WireInvoicePaymentFailed, map[string]interface{}{"subscription": "sub_nobody"})

	status, body := env.do(t, http.MethodPost, "/billing/webhook", payload, headers)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["ignored"])
}

func TestGetEntitlementNotFound(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.do(t, http.MethodGet, "/api/v1/entitlements/ghost", nil, nil)
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "not_found", body["error"])
}

func TestManualActivateCancelWithIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	key := map[string]string{IdempotencyKeyHeader: "req-1"}

	status, body := env.do(t, http.MethodPost, "/api/v1/entitlements/user-1/activate", map[string]string{"subscription_id": "sub_1"}, key)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "applied", body["outcome"])

	status, body = env.do(t, http.MethodPost, "/api/v1/entitlements/user-1/activate", map[string]string{"subscription_id": "sub_1"}, key)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["duplicate"])

	status, _ = env.do(t, http.MethodPost, "/api/v1/entitlements/user-1/activate", map[string]string{}, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body = env.do(t, http.MethodPost, "/api/v1/entitlements/user-1/cancel", nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	view := body["entitlement"].(map[string]interface{})
	assert.Equal(t, "canceled", view["state"])
}

func TestSyncAndReactivate(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/v1/entitlements/user-1/sync", nil, nil)
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, "no_subscription_reference", body["error"])

	status, _ = env.do(t, http.MethodPost, "/api/v1/entitlements/user-1/sync", map[string]string{"subscription_id": "sub_live"}, nil)
	assert.Equal(t, fiber.StatusOK, status)

	status, body = env.do(t, http.MethodPost, "/api/v1/entitlements/user-1/sync", nil, nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["in_sync"])

	status, _ = env.do(t, http.MethodPost, "/api/v1/entitlements/user-2/reactivate", map[string]string{"subscription_id": "sub_dead"}, nil)
	assert.Equal(t, fiber.StatusConflict, status)

	status, _ = env.do(t, http.MethodPost, "/api/v1/entitlements/user-2/reactivate", map[string]string{"subscription_id": "sub_missing"}, nil)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = env.do(t, http.MethodPost, "/api/v1/entitlements/user-2/sync?async=true", nil, nil)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
}

func TestCreditsGrantAndConsume(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, http.MethodPost, "/api/v1/entitlements/user-1/credits/grant", map[string]interface{}{"amount": 0}, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/api/v1/entitlements/user-1/credits/grant", map[string]interface{}{"amount": 2, "reference": "order-9"}, nil)
	require.Equal(t, fiber.StatusOK, status)
	status, body := env.do(t, http.MethodPost, "/api/v1/entitlements/user-1/credits/grant", map[string]interface{}{"amount": 2, "reference": "order-9"}, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["duplicate"])

	status, body = env.do(t, http.MethodPost, "/api/v1/entitlements/user-1/credits/consume", nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["consumed"])
	assert.Equal(t, float64(1), body["remaining"])

	status, _ = env.do(t, http.MethodPost, "/api/v1/entitlements/user-1/credits/consume", map[string]int{"amount": 5}, nil)
	assert.Equal(t, fiber.StatusConflict, status)

	_, err := env.store.CreateIfAbsent(context.Background(), "user-2")
	require.NoError(t, err)
	status, _ = env.do(t, http.MethodPost, "/api/v1/entitlements/user-2/activate", map[string]string{"subscription_id": "sub_2"}, nil)
	require.Equal(t, fiber.StatusOK, status)
	status, body = env.do(t, http.MethodPost, "/api/v1/entitlements/user-2/credits/consume", nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["consumed"])
	assert.Equal(t, "unlimited", body["remaining"])

	snap, err := env.counters.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.CreditUsage["consumed"])
	assert.Equal(t, int64(1), snap.CreditUsage["insufficient"])
	assert.Equal(t, int64(1), snap.CreditUsage["unlimited"])
}

func TestGrantCreditsRequiresKeyOrReference(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 2; i++ {
		status, body := env.do(t, http.MethodPost, "/api/v1/entitlements/user-1/credits/grant", map[string]interface{}{"amount": 5}, nil)
		assert.Equal(t, fiber.StatusBadRequest, status)
		assert.Equal(t, "idempotency_key_required", body["error"])
	}
	_, err := env.store.Get(context.Background(), "user-1")
	assert.ErrorIs(t, err, entitlements.ErrRecordNotFound)

	key := map[string]string{IdempotencyKeyHeader: "grant-1"}
	status, body := env.do(t, http.MethodPost, "/api/v1/entitlements/user-1/credits/grant", map[string]interface{}{"amount": 5}, key)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "applied", body["outcome"])
	status, body = env.do(t, http.MethodPost, "/api/v1/entitlements/user-1/credits/grant", map[string]interface{}{"amount": 5}, key)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["duplicate"])

	rec, err := env.store.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.FileCredits)
}

func TestConcurrentConsumeOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	status, _ := env.do(t, http.MethodPost, "/api/v1/entitlements/user-1/credits/grant", map[string]interface{}{"amount": 1, "reference": "order-1"}, nil)
	require.Equal(t, fiber.StatusOK, status)

	var wg sync.WaitGroup
	var mu sync.Mutex
	codes := map[int]int{}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, _ := env.do(t, http.MethodPost, "/api/v1/entitlements/user-1/credits/consume", nil, nil)
			mu.Lock()
			codes[code]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, codes[fiber.StatusOK])
	assert.Equal(t, 4, codes[fiber.StatusConflict])
}

func TestListAndStats(t *testing.T) {
	env := newTestEnv(t)
	for _, user := range []string{"a", "b", "c"} {
		status, _ := env.do(t, http.MethodPost, "/api/v1/entitlements/"+user+"/credits/grant", map[string]interface{}{"amount": 1}, map[string]string{IdempotencyKeyHeader: "seed-" + user})
		require.Equal(t, fiber.StatusOK, status)
	}
	status, _ := env.do(t, http.MethodPost, "/api/v1/entitlements/b/activate", map[string]string{"subscription_id": "sub_b"}, nil)
	require.Equal(t, fiber.StatusOK, status)

	status, body := env.do(t, http.MethodGet, "/api/v1/entitlements?limit=2", nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["entitlements"], 2)

	status, body = env.do(t, http.MethodGet, "/api/v1/entitlements?active=true", nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	list := body["entitlements"].([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].(map[string]interface{})["user_id"])

	status, body = env.do(t, http.MethodGet, "/api/v1/billing/stats", nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, body, "counters")

	status, body = env.do(t, http.MethodGet, "/api/v1/billing/webhook-events", nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Empty(t, body["events"])
}
