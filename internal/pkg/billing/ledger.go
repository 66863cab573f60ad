package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ManuelReschke/creditgate/app/models"
	"github.com/ManuelReschke/creditgate/internal/pkg/entitlements"
)

// ConsumeResult is returned by Ledger.Consume. Remaining is "unlimited" in
// JSON while a subscription is active.
type ConsumeResult struct {
	Consumed  bool
	Unlimited bool
	Remaining int64
}

func (r ConsumeResult) MarshalJSON() ([]byte, error) {
	out := struct {
		Consumed  bool        `json:"consumed"`
		Remaining interface{} `json:"remaining"`
	}{Consumed: r.Consumed, Remaining: r.Remaining}
	if r.Unlimited {
		out.Remaining = "unlimited"
	}
	return json.Marshal(out)
}

// Balance is the read-only credit view of a user.
type Balance struct {
	UserID      string `json:"user_id"`
	FileCredits int64  `json:"file_credits"`
	Unlimited   bool   `json:"unlimited"`
}

type Ledger struct {
	store         entitlements.Store
	retryAttempts int
	now           func() time.Time
}

func NewLedger(store entitlements.Store, retryAttempts int) *Ledger {
	return &Ledger{store: store, retryAttempts: retryAttempts, now: time.Now}
}

// Grant adds credits. It is not deduplicated; replay-safe grants go through
// the processor as credits-granted events.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64) (*models.EntitlementRecord, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if _, err := l.store.CreateIfAbsent(ctx, userID); err != nil {
		return nil, err
	}
	var out *models.EntitlementRecord
	err := entitlements.RetryOnConflict(ctx, l.retryAttempts, func() error {
		rec, err := l.store.ApplyUpdate(ctx, userID, func(rec *models.EntitlementRecord) error {
			return grantCredits(rec, amount, l.now().UTC())
		}, nil)
		out = rec
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Consume spends amount credits, or reports unlimited usage for active
// subscribers without touching the balance. A zero amount means one.
func (l *Ledger) Consume(ctx context.Context, userID string, amount int64) (*ConsumeResult, error) {
	if amount == 0 {
		amount = 1
	}
	if amount < 0 {
		return nil, ErrInvalidAmount
	}

	var out *ConsumeResult
	err := entitlements.RetryOnConflict(ctx, l.retryAttempts, func() error {
		rec, applied, err := l.store.TryConditionalUpdate(ctx, userID,
			func(rec *models.EntitlementRecord) bool {
				return !rec.SubscriptionActive && rec.FileCredits >= amount
			},
			func(rec *models.EntitlementRecord) error {
				rec.FileCredits -= amount
				return nil
			})
		if errors.Is(err, entitlements.ErrRecordNotFound) {
			return ErrInsufficientCredits
		}
		if err != nil {
			return err
		}
		switch {
		case applied:
			out = &ConsumeResult{Consumed: true, Remaining: rec.FileCredits}
		case entitlements.HasUnlimitedUsage(rec):
			out = &ConsumeResult{Unlimited: true, Remaining: rec.FileCredits}
		default:
			return ErrInsufficientCredits
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Ledger) Balance(ctx context.Context, userID string) (*Balance, error) {
	rec, err := l.store.Get(ctx, userID)
	if errors.Is(err, entitlements.ErrRecordNotFound) {
		return &Balance{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Balance{
		UserID:      rec.UserID,
		FileCredits: rec.FileCredits,
		Unlimited:   entitlements.HasUnlimitedUsage(rec),
	}, nil
}
