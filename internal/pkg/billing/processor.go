package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/creditgate/app/models"
	"github.com/ManuelReschke/creditgate/internal/pkg/entitlements"
)

// Processor applies events to entitlement records. It is the only code that
// changes subscription state; the ledger shares its mutations.
type Processor struct {
	store         entitlements.Store
	retryAttempts int
	now           func() time.Time
}

func NewProcessor(store entitlements.Store, retryAttempts int) *Processor {
	return &Processor{store: store, retryAttempts: retryAttempts, now: time.Now}
}

// Process applies ev at most once per user. The effect and the processed id
// are written in the same conditional update, guarded by "id not yet seen".
func (p *Processor) Process(ctx context.Context, ev *Event) (*Result, error) {
	if ev == nil || strings.TrimSpace(ev.ID) == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}
	userID, err := p.resolveUser(ctx, ev)
	if err != nil {
		return nil, err
	}
	res := &Result{EventID: ev.ID, Type: ev.Type, UserID: userID}

	if _, err := p.store.CreateIfAbsent(ctx, userID); err != nil {
		return nil, err
	}

	now := p.now().UTC()
	notSeen := func(rec *models.EntitlementRecord) bool { return !rec.HasProcessed(ev.ID) }
	mutate := func(rec *models.EntitlementRecord) error {
		if err := applyTransition(rec, ev, now); err != nil {
			return err
		}
		rec.MarkProcessed(ev.ID)
		return nil
	}

	err = entitlements.RetryOnConflict(ctx, p.retryAttempts, func() error {
		rec, applied, err := p.store.TryConditionalUpdate(ctx, userID, notSeen, mutate)
		if err != nil {
			return err
		}
		res.Record = rec
		res.Applied = applied
		res.Duplicate = !applied
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case res.Duplicate:
		log.Infof("[Billing] Event %s (%s) already processed for user %s", ev.ID, ev.Type, userID)
	case ev.Type == EventUnrecognized:
		res.Ignored = true
		log.Infof("[Billing] Acknowledged unrecognized event %s (raw type %q) for user %s", ev.ID, ev.RawType, userID)
	case ev.Type == EventPaymentFailed:
		log.Warnf("[Billing] Payment failed for user %s subscription %s (event %s)", userID, ev.SubscriptionID, ev.ID)
	default:
		log.Infof("[Billing] Applied %s event %s for user %s (source=%s)", ev.Type, ev.ID, userID, ev.Source)
	}
	return res, nil
}

func (p *Processor) resolveUser(ctx context.Context, ev *Event) (string, error) {
	if userID := strings.TrimSpace(ev.UserID); userID != "" {
		return userID, nil
	}
	if ev.SubscriptionID != "" {
		rec, err := p.store.GetBySubscriptionID(ctx, ev.SubscriptionID)
		if err == nil {
			return rec.UserID, nil
		}
		if !errors.Is(err, entitlements.ErrRecordNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: event %s", ErrUnroutableEvent, ev.ID)
}

// applyTransition mutates rec for ev. Each effect depends only on the event
// itself so deliveries commute.
func applyTransition(rec *models.EntitlementRecord, ev *Event, now time.Time) error {
	switch ev.Type {
	case EventCheckoutCompleted:
		return applyCheckout(rec, ev, now)
	case EventSubscriptionActive:
		if ev.SubscriptionID == "" {
			return fmt.Errorf("%w: activation without subscription id", ErrInvalidEvent)
		}
		if !rec.SubscriptionActive || rec.ProviderSubscriptionID != ev.SubscriptionID || rec.ActiveSince == nil {
			since := now
			if ev.StartedAt != nil && !ev.StartedAt.IsZero() {
				since = ev.StartedAt.UTC()
			}
			rec.ActiveSince = &since
		}
		rec.SubscriptionActive = true
		rec.ProviderSubscriptionID = ev.SubscriptionID
		rec.CanceledAt = nil
	case EventSubscriptionCanceled:
		if !cancelApplies(rec, ev) {
			return nil
		}
		canceledAt := now
		if !ev.OccurredAt.IsZero() {
			canceledAt = ev.OccurredAt.UTC()
		}
		rec.SubscriptionActive = false
		rec.CanceledAt = &canceledAt
		rec.ProviderSubscriptionID = ""
	case EventCreditsGranted:
		return grantCredits(rec, ev.Credits, now)
	default:
		// payment-failed and unrecognized events only record their id
	}
	return nil
}

// cancelApplies reports whether a cancellation ends the subscription the
// record holds. Without a held subscription only reconciliation may stamp
// canceledAt, since the provider is then the one reporting the cancellation.
func cancelApplies(rec *models.EntitlementRecord, ev *Event) bool {
	if rec.ProviderSubscriptionID == "" {
		return ev.Source == SourceReconcile && ev.SubscriptionID != ""
	}
	return rec.ProviderSubscriptionID == ev.SubscriptionID
}

func applyCheckout(rec *models.EntitlementRecord, ev *Event, now time.Time) error {
	switch ev.Checkout {
	case CheckoutSubscription:
		if ev.SubscriptionID == "" {
			return fmt.Errorf("%w: subscription checkout without subscription id", ErrInvalidEvent)
		}
		rec.SubscriptionActive = true
		rec.ActiveSince = &now
		rec.ProviderSubscriptionID = ev.SubscriptionID
		rec.LastPaymentAt = &now
	case CheckoutCredits:
		return grantCredits(rec, ev.Credits, now)
	case CheckoutFounder:
		if !rec.FounderSupporter {
			rec.FounderSupporter = true
			rec.FounderSince = &now
		}
		rec.LastPaymentAt = &now
	default:
		return fmt.Errorf("%w: unknown checkout kind %q", ErrInvalidEvent, ev.Checkout)
	}
	return nil
}

func grantCredits(rec *models.EntitlementRecord, amount int64, now time.Time) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	rec.FileCredits += amount
	rec.LastPaymentAt = &now
	return nil
}
