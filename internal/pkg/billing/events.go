package billing

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Provider wire event names.
const (
	WireCheckoutCompleted    = "checkout.session.completed"
	WireSubscriptionDeleted  = "customer.subscription.deleted"
	WireInvoicePaymentFailed = "invoice.payment_failed"
)

// EventConfig holds catalog knowledge needed to classify checkouts.
type EventConfig struct {
	// CreditProductCredits is granted when a one-time checkout carries no credits metadata.
	CreditProductCredits int64
	FounderProductID     string
}

type eventObject struct {
	ID                string            `json:"id"`
	Object            string            `json:"object"`
	Mode              string            `json:"mode"`
	Status            string            `json:"status"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	CanceledAt        int64             `json:"canceled_at"`
	StartDate         int64             `json:"start_date"`
}

// ParseEvent turns a verified provider envelope into a processor event.
// Unknown wire types become EventUnrecognized and are still acknowledged.
func ParseEvent(v *VerifiedEvent, cfg EventConfig) (*Event, error) {
	if v == nil || strings.TrimSpace(v.ID) == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}
	ev := &Event{
		ID:         v.ID,
		RawType:    v.Type,
		Source:     SourceWebhook,
		OccurredAt: v.CreatedAt(),
	}

	var data struct {
		Object eventObject `json:"object"`
	}
	if len(v.Data) > 0 {
		if err := json.Unmarshal(v.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	}
	obj := data.Object
	ev.UserID = firstNonEmpty(obj.ClientReferenceID, obj.Metadata["user_id"])

	switch v.Type {
	case WireCheckoutCompleted:
		ev.Type = EventCheckoutCompleted
		if err := classifyCheckout(ev, obj, cfg); err != nil {
			return nil, err
		}
	case WireSubscriptionDeleted:
		ev.Type = EventSubscriptionCanceled
		ev.SubscriptionID = strings.TrimSpace(obj.ID)
		if obj.Object != "" && obj.Object != "subscription" {
			ev.SubscriptionID = strings.TrimSpace(obj.Subscription)
		}
		if ev.SubscriptionID == "" {
			return nil, fmt.Errorf("%w: cancellation without subscription id", ErrInvalidEvent)
		}
		if obj.CanceledAt > 0 {
			ev.OccurredAt = time.Unix(obj.CanceledAt, 0).UTC()
		}
	case WireInvoicePaymentFailed:
		ev.Type = EventPaymentFailed
		ev.SubscriptionID = strings.TrimSpace(obj.Subscription)
	default:
		ev.Type = EventUnrecognized
		ev.SubscriptionID = strings.TrimSpace(obj.Subscription)
	}
	return ev, nil
}

func classifyCheckout(ev *Event, obj eventObject, cfg EventConfig) error {
	switch strings.ToLower(strings.TrimSpace(obj.Mode)) {
	case "subscription":
		ev.Checkout = CheckoutSubscription
		ev.SubscriptionID = strings.TrimSpace(obj.Subscription)
		if ev.SubscriptionID == "" {
			return fmt.Errorf("%w: subscription checkout without subscription id", ErrInvalidEvent)
		}
	case "payment":
		productID := strings.TrimSpace(obj.Metadata["product_id"])
		if cfg.FounderProductID != "" && productID == cfg.FounderProductID {
			ev.Checkout = CheckoutFounder
			return nil
		}
		ev.Checkout = CheckoutCredits
		ev.Credits = cfg.CreditProductCredits
		if raw := strings.TrimSpace(obj.Metadata["credits"]); raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: credits metadata %q", ErrInvalidEvent, raw)
			}
			ev.Credits = n
		}
		if ev.Credits <= 0 {
			return fmt.Errorf("%w: credit checkout grants no credits", ErrInvalidEvent)
		}
	default:
		// setup-mode sessions and similar do not change entitlements
		ev.Type = EventUnrecognized
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
