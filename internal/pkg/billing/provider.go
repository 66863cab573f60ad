package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ManuelReschke/creditgate/internal/pkg/env"
)

const defaultProviderAPIBaseURL = "https://api.stripe.com"

// SubscriptionStatus is the provider's authoritative view of one subscription.
type SubscriptionStatus struct {
	SubscriptionID string
	Status         string
	Active         bool
	CanceledAt     *time.Time
	StartedAt      *time.Time
}

// ProviderClient reads subscription ground truth from the payment provider.
type ProviderClient interface {
	GetSubscriptionStatus(ctx context.Context, subscriptionID string) (*SubscriptionStatus, error)
}

type HTTPProviderClient struct {
	APIKey     string
	APIBaseURL string

	HTTPClient *http.Client
}

func NewProviderClientFromEnv() *HTTPProviderClient {
	return &HTTPProviderClient{
		APIKey:     strings.TrimSpace(env.GetEnv("PROVIDER_API_KEY", "")),
		APIBaseURL: strings.TrimSpace(env.GetEnv("PROVIDER_API_BASE_URL", defaultProviderAPIBaseURL)),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// GetSubscriptionStatus calls GET /v1/subscriptions/{id}. Transport errors and
// 5xx responses wrap ErrProviderUnreachable; 404 wraps ErrUnknownSubscription.
func (c *HTTPProviderClient) GetSubscriptionStatus(ctx context.Context, subscriptionID string) (*SubscriptionStatus, error) {
	subID := strings.TrimSpace(subscriptionID)
	if subID == "" {
		return nil, ErrNoSubscriptionReference
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, fmt.Errorf("%w: PROVIDER_API_KEY is not configured", ErrProviderUnreachable)
	}

	u := strings.TrimRight(c.APIBaseURL, "/") + "/v1/subscriptions/" + url.PathEscape(subID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrProviderUnreachable, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubscription, subID)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrProviderUnreachable, resp.StatusCode, string(body))
	}

	var raw struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		CanceledAt int64  `json:"canceled_at"`
		StartDate  int64  `json:"start_date"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode subscription: %v", ErrProviderUnreachable, err)
	}

	out := &SubscriptionStatus{
		SubscriptionID: subID,
		Status:         strings.ToLower(strings.TrimSpace(raw.Status)),
		Active:         isEntitlingStatus(raw.Status),
		CanceledAt:     unixPtr(raw.CanceledAt),
		StartedAt:      unixPtr(raw.StartDate),
	}
	if out.Active {
		out.CanceledAt = nil
	}
	return out, nil
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
