package models

import (
	"slices"
	"time"

	"gorm.io/datatypes"
)

// EntitlementRecord is the per-user subscription and credit state. Exactly one
// row exists per UserID; the unique index enforces it at write time.
type EntitlementRecord struct {
	ID                     uint                        `gorm:"primaryKey" json:"-"`
	UserID                 string                      `gorm:"type:varchar(191);not null;uniqueIndex:ux_entitlements_user_id" json:"user_id"`
	SubscriptionActive     bool                        `gorm:"not null;default:false;index" json:"subscription_active"`
	ActiveSince            *time.Time                  `gorm:"type:timestamp;default:null" json:"active_since,omitempty"`
	CanceledAt             *time.Time                  `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	ProviderSubscriptionID string                      `gorm:"type:varchar(191);not null;default:'';index" json:"provider_subscription_id,omitempty"`
	FileCredits            int64                       `gorm:"not null;default:0;check:chk_entitlements_file_credits,file_credits >= 0" json:"file_credits"`
	LastPaymentAt          *time.Time                  `gorm:"type:timestamp;default:null" json:"last_payment_at,omitempty"`
	ProcessedEventIDs      datatypes.JSONSlice[string] `json:"processed_event_ids"`
	FounderSupporter       bool                        `gorm:"not null;default:false" json:"founder_supporter"`
	FounderSince           *time.Time                  `gorm:"type:timestamp;default:null" json:"founder_since,omitempty"`
	Version                int64                       `gorm:"not null;default:1" json:"version"`
	CreatedAt              time.Time                   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time                   `gorm:"autoUpdateTime" json:"updated_at"`
}

func (EntitlementRecord) TableName() string {
	return "entitlements"
}

// NewEntitlementRecord returns the zero state for a user (NoSubscription, no credits).
func NewEntitlementRecord(userID string) *EntitlementRecord {
	return &EntitlementRecord{
		UserID:            userID,
		ProcessedEventIDs: datatypes.JSONSlice[string]{},
		Version:           1,
	}
}

// HasProcessed reports whether the provider event id was already applied.
func (r *EntitlementRecord) HasProcessed(eventID string) bool {
	return slices.Contains(r.ProcessedEventIDs, eventID)
}

// MarkProcessed appends the event id once.
func (r *EntitlementRecord) MarkProcessed(eventID string) {
	if r.HasProcessed(eventID) {
		return
	}
	r.ProcessedEventIDs = append(r.ProcessedEventIDs, eventID)
}

// Clone returns a deep copy so mutations never leak into shared state.
func (r *EntitlementRecord) Clone() *EntitlementRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.ActiveSince = cloneTime(r.ActiveSince)
	out.CanceledAt = cloneTime(r.CanceledAt)
	out.LastPaymentAt = cloneTime(r.LastPaymentAt)
	out.FounderSince = cloneTime(r.FounderSince)
	out.ProcessedEventIDs = append(datatypes.JSONSlice[string]{}, r.ProcessedEventIDs...)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
