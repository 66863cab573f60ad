package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/creditgate/app/models"
	"github.com/ManuelReschke/creditgate/internal/pkg/entitlements"
)

const DefaultReconcileLockTTL = 30 * time.Second

// Reconciler re-derives local state from the provider and backs the manual
// admin actions. Everything it changes goes through the Processor.
type Reconciler struct {
	store     entitlements.Store
	processor *Processor
	provider  ProviderClient
	locker    Locker
	lockTTL   time.Duration
	now       func() time.Time
}

func NewReconciler(store entitlements.Store, processor *Processor, provider ProviderClient, locker Locker, lockTTL time.Duration) *Reconciler {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if lockTTL <= 0 {
		lockTTL = DefaultReconcileLockTTL
	}
	return &Reconciler{
		store:     store,
		processor: processor,
		provider:  provider,
		locker:    locker,
		lockTTL:   lockTTL,
		now:       time.Now,
	}
}

// Reconcile fetches the provider status of the user's subscription (or of
// subscriptionID when given) and feeds a deterministic event through the
// processor. Running it again with unchanged provider state is a no-op.
func (r *Reconciler) Reconcile(ctx context.Context, userID, subscriptionID string) (*Result, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, entitlements.ErrInvalidUserID
	}
	var res *Result
	err := r.withUserLock(ctx, userID, func() error {
		subID, err := r.subscriptionRef(ctx, userID, subscriptionID)
		if err != nil {
			return err
		}
		status, err := r.fetch(ctx, subID)
		if err != nil {
			return err
		}
		rec, err := r.store.Get(ctx, userID)
		if err != nil && !errors.Is(err, entitlements.ErrRecordNotFound) {
			return err
		}
		ev := reconcileEvent(userID, rec, status, r.now().UTC())
		if inSync(rec, status) {
			res = &Result{EventID: ev.ID, Type: ev.Type, UserID: userID, InSync: true, Record: rec}
			return nil
		}
		res, err = r.processor.Process(ctx, ev)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Reactivate restores a subscription the provider reports active again.
func (r *Reconciler) Reactivate(ctx context.Context, userID, subscriptionID, idempotencyKey string) (*Result, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, entitlements.ErrInvalidUserID
	}
	var res *Result
	err := r.withUserLock(ctx, userID, func() error {
		subID, err := r.subscriptionRef(ctx, userID, subscriptionID)
		if err != nil {
			return err
		}
		status, err := r.fetch(ctx, subID)
		if err != nil {
			return err
		}
		if !status.Active {
			return fmt.Errorf("%w: %s is %q", ErrProviderInactive, subID, status.Status)
		}
		res, err = r.processor.Process(ctx, &Event{
			ID:             manualEventID("reactivate", userID, subID, manualKey(idempotencyKey)),
			Type:           EventSubscriptionActive,
			Source:         SourceManual,
			UserID:         userID,
			SubscriptionID: subID,
			StartedAt:      status.StartedAt,
			OccurredAt:     r.now().UTC(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ManualActivate marks subscriptionID active without asking the provider.
func (r *Reconciler) ManualActivate(ctx context.Context, userID, subscriptionID, idempotencyKey string) (*Result, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, entitlements.ErrInvalidUserID
	}
	subID := strings.TrimSpace(subscriptionID)
	if subID == "" {
		return nil, ErrNoSubscriptionReference
	}
	return r.processor.Process(ctx, &Event{
		ID:             manualEventID("activate", userID, subID, manualKey(idempotencyKey)),
		Type:           EventSubscriptionActive,
		Source:         SourceManual,
		UserID:         userID,
		SubscriptionID: subID,
		OccurredAt:     r.now().UTC(),
	})
}

// ManualCancel cancels subscriptionID, or the subscription the record holds.
func (r *Reconciler) ManualCancel(ctx context.Context, userID, subscriptionID, idempotencyKey string) (*Result, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, entitlements.ErrInvalidUserID
	}
	subID, err := r.subscriptionRef(ctx, userID, subscriptionID)
	if err != nil {
		return nil, err
	}
	return r.processor.Process(ctx, &Event{
		ID:             manualEventID("cancel", userID, subID, manualKey(idempotencyKey)),
		Type:           EventSubscriptionCanceled,
		Source:         SourceManual,
		UserID:         userID,
		SubscriptionID: subID,
		OccurredAt:     r.now().UTC(),
	})
}

// ManualGrantCredits grants credits once per idempotency key. A key is
// required.
func (r *Reconciler) ManualGrantCredits(ctx context.Context, userID string, amount int64, idempotencyKey string) (*Result, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, entitlements.ErrInvalidUserID
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	key := manualKey(idempotencyKey)
	if key == "" {
		return nil, ErrIdempotencyKeyRequired
	}
	return r.processor.Process(ctx, &Event{
		ID:         manualEventID("grant", userID, strconv.FormatInt(amount, 10), key),
		Type:       EventCreditsGranted,
		Source:     SourceManual,
		UserID:     userID,
		Credits:    amount,
		OccurredAt: r.now().UTC(),
	})
}

func (r *Reconciler) withUserLock(ctx context.Context, userID string, fn func() error) error {
	key := "creditgate:reconcile:" + userID
	token, ok, err := r.locker.TryLock(ctx, key, r.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire reconcile lock: %w", err)
	}
	if !ok {
		return ErrReconcileInProgress
	}
	defer func() {
		if err := r.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			log.Warnf("[Reconcile] Failed to release lock for %s: %v", userID, err)
		}
	}()
	return fn()
}

func (r *Reconciler) subscriptionRef(ctx context.Context, userID, subscriptionID string) (string, error) {
	if subID := strings.TrimSpace(subscriptionID); subID != "" {
		return subID, nil
	}
	rec, err := r.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, entitlements.ErrRecordNotFound) {
			return "", ErrNoSubscriptionReference
		}
		return "", err
	}
	if rec.ProviderSubscriptionID == "" {
		return "", ErrNoSubscriptionReference
	}
	return rec.ProviderSubscriptionID, nil
}

func (r *Reconciler) fetch(ctx context.Context, subID string) (*SubscriptionStatus, error) {
	if r.provider == nil {
		return nil, fmt.Errorf("%w: no provider client configured", ErrProviderUnreachable)
	}
	status, err := r.provider.GetSubscriptionStatus(ctx, subID)
	if err != nil {
		log.Warnf("[Reconcile] Provider lookup for %s failed: %v", subID, err)
		if errors.Is(err, ErrUnknownSubscription) || errors.Is(err, ErrProviderUnreachable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	if status.SubscriptionID == "" {
		status.SubscriptionID = subID
	}
	return status, nil
}

// manualKey scopes a manual event id to the caller's idempotency key. Without
// a key the id depends only on action, user and subject, so a repeated
// keyless request is a duplicate.
func manualKey(idempotencyKey string) string {
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		return "key:" + key
	}
	return ""
}

// reconcileEvent derives the event id from the observed provider state and
// the local version it corrects, so a retry of the same correction is a duplicate.
func reconcileEvent(userID string, rec *models.EntitlementRecord, status *SubscriptionStatus, now time.Time) *Event {
	ev := &Event{
		Source:         SourceReconcile,
		UserID:         userID,
		SubscriptionID: status.SubscriptionID,
		OccurredAt:     now,
	}
	var observed *time.Time
	state := "inactive"
	if status.Active {
		state = "active"
		ev.Type = EventSubscriptionActive
		ev.StartedAt = status.StartedAt
		observed = status.StartedAt
	} else {
		ev.Type = EventSubscriptionCanceled
		if status.CanceledAt != nil {
			ev.OccurredAt = status.CanceledAt.UTC()
		}
		observed = status.CanceledAt
	}
	ts := ""
	if observed != nil {
		ts = strconv.FormatInt(observed.Unix(), 10)
	}
	var version int64
	if rec != nil {
		version = rec.Version
	}
	ev.ID = "recon_" + hashParts(status.SubscriptionID, state, ts, strconv.FormatInt(version, 10))
	return ev
}

// inSync reports whether the local record already reflects the provider status.
func inSync(rec *models.EntitlementRecord, status *SubscriptionStatus) bool {
	if status.Active {
		return rec != nil && rec.SubscriptionActive && rec.ProviderSubscriptionID == status.SubscriptionID
	}
	if rec != nil && rec.ProviderSubscriptionID != "" {
		// holding this subscription means it still has to be canceled
		return rec.ProviderSubscriptionID != status.SubscriptionID
	}
	if status.CanceledAt == nil {
		return true
	}
	return rec != nil && rec.CanceledAt != nil && rec.CanceledAt.Equal(*status.CanceledAt)
}

func manualEventID(action, userID, subject, key string) string {
	return "manual_" + hashParts(action, userID, subject, key)
}

func hashParts(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
