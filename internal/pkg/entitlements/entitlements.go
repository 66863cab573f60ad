package entitlements

import (
	"time"

	"github.com/ManuelReschke/creditgate/app/models"
)

type State string

const (
	StateNoSubscription State = "no_subscription"
	StateActive         State = "active"
	StateCanceled       State = "canceled"
)

// StateOf derives the subscription state of a record. A nil record is a user
// that was never touched.
func StateOf(rec *models.EntitlementRecord) State {
	switch {
	case rec == nil:
		return StateNoSubscription
	case rec.SubscriptionActive:
		return StateActive
	case rec.CanceledAt != nil:
		return StateCanceled
	default:
		return StateNoSubscription
	}
}

// HasUnlimitedUsage reports whether metered credits are bypassed for the record.
func HasUnlimitedUsage(rec *models.EntitlementRecord) bool {
	return StateOf(rec) == StateActive
}

// View is the read-only projection served by the debug endpoints.
type View struct {
	UserID                 string  `json:"user_id"`
	State                  State   `json:"state"`
	SubscriptionActive     bool    `json:"subscription_active"`
	ProviderSubscriptionID string  `json:"provider_subscription_id,omitempty"`
	ActiveSince            *string `json:"active_since,omitempty"`
	CanceledAt             *string `json:"canceled_at,omitempty"`
	FileCredits            int64   `json:"file_credits"`
	UnlimitedUsage         bool    `json:"unlimited_usage"`
	LastPaymentAt          *string `json:"last_payment_at,omitempty"`
	FounderSupporter       bool    `json:"founder_supporter"`
	FounderSince           *string `json:"founder_since,omitempty"`
	ProcessedEvents        int     `json:"processed_events"`
	Version                int64   `json:"version"`
}

// NewView projects a record. A nil record yields the implicit NoSubscription view.
func NewView(userID string, rec *models.EntitlementRecord) View {
	if rec == nil {
		return View{UserID: userID, State: StateNoSubscription}
	}
	return View{
		UserID:                 rec.UserID,
		State:                  StateOf(rec),
		SubscriptionActive:     rec.SubscriptionActive,
		ProviderSubscriptionID: rec.ProviderSubscriptionID,
		ActiveSince:            formatTime(rec.ActiveSince),
		CanceledAt:             formatTime(rec.CanceledAt),
		FileCredits:            rec.FileCredits,
		UnlimitedUsage:         HasUnlimitedUsage(rec),
		LastPaymentAt:          formatTime(rec.LastPaymentAt),
		FounderSupporter:       rec.FounderSupporter,
		FounderSince:           formatTime(rec.FounderSince),
		ProcessedEvents:        len(rec.ProcessedEventIDs),
		Version:                rec.Version,
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(time.RFC3339)
	return &v
}
