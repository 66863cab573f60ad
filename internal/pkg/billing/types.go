package billing

import (
	"encoding/json"
	"time"

	"github.com/ManuelReschke/creditgate/app/models"
)

// EventType is the internal, provider-neutral event name the processor understands.
type EventType string

const (
	EventCheckoutCompleted    EventType = "checkout-completed"
	EventSubscriptionCanceled EventType = "subscription-canceled"
	EventSubscriptionActive   EventType = "subscription-active"
	EventPaymentFailed        EventType = "payment-failed"
	EventCreditsGranted       EventType = "credits-granted"
	EventUnrecognized         EventType = "unrecognized"
)

// CheckoutKind says what a completed checkout bought.
type CheckoutKind string

const (
	CheckoutSubscription CheckoutKind = "subscription"
	CheckoutCredits      CheckoutKind = "credits"
	CheckoutFounder      CheckoutKind = "founder"
)

// Source tags where an event came from. Only a reconcile-sourced cancel may
// stamp canceledAt on a record that holds no subscription.
type Source string

const (
	SourceWebhook   Source = "webhook"
	SourceReconcile Source = "reconcile"
	SourceManual    Source = "manual"
)

// VerifiedEvent is a webhook payload whose signature and freshness were checked.
type VerifiedEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

// CreatedAt returns the provider creation time, or the zero time when absent.
func (v *VerifiedEvent) CreatedAt() time.Time {
	if v == nil || v.Created <= 0 {
		return time.Time{}
	}
	return time.Unix(v.Created, 0).UTC()
}

// Event is the typed input of the processor. Webhooks, reconciliation and
// manual actions all produce it.
type Event struct {
	ID             string
	Type           EventType
	RawType        string
	Source         Source
	UserID         string
	SubscriptionID string
	Checkout       CheckoutKind
	Credits        int64
	OccurredAt     time.Time
	StartedAt      *time.Time
}

// Result describes what processing did. Duplicate and Ignored are successes.
type Result struct {
	EventID   string                    `json:"event_id"`
	Type      EventType                 `json:"type"`
	UserID    string                    `json:"user_id,omitempty"`
	Applied   bool                      `json:"applied"`
	Duplicate bool                      `json:"duplicate"`
	Ignored   bool                      `json:"ignored"`
	InSync    bool                      `json:"in_sync,omitempty"`
	Record    *models.EntitlementRecord `json:"record,omitempty"`
}

// Outcome maps the result onto the audit log vocabulary.
func (r *Result) Outcome() string {
	switch {
	case r == nil:
		return models.WebhookOutcomeFailed
	case r.Duplicate:
		return models.WebhookOutcomeDuplicate
	case r.Ignored:
		return models.WebhookOutcomeIgnored
	default:
		return models.WebhookOutcomeApplied
	}
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	UserID          string
	PayloadJSON     string
}
