package entitlements

import (
	"context"
	"errors"
	"fmt"

	"github.com/ManuelReschke/creditgate/app/models"
)

var (
	// ErrRecordNotFound means the user has never been touched; callers treat it as NoSubscription.
	ErrRecordNotFound = errors.New("entitlement record not found")
	// ErrConditionalUpdateLost means another writer changed the record between read and write.
	ErrConditionalUpdateLost = errors.New("entitlement conditional update lost")
	// ErrTransient is returned once bounded retries of a lost update are exhausted.
	ErrTransient = errors.New("entitlement update temporarily unavailable")

	ErrInvalidUserID = errors.New("user id is required")
)

// Mutation changes a private copy of the record. Returning an error aborts the write.
type Mutation func(rec *models.EntitlementRecord) error

// Predicate decides on the current record whether a conditional update may run.
type Predicate func(rec *models.EntitlementRecord) bool

// ListFilter narrows read-only listings used by diagnostics and the reconcile sweep.
type ListFilter struct {
	ActiveOnly          bool
	WithSubscriptionRef bool
	Limit               int
	Offset              int
}

// Store persists entitlement records. Every write is a single-record
// compare-and-swap on Version; there are no multi-record transactions.
type Store interface {
	Get(ctx context.Context, userID string) (*models.EntitlementRecord, error)
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*models.EntitlementRecord, error)
	CreateIfAbsent(ctx context.Context, userID string) (*models.EntitlementRecord, error)
	ApplyUpdate(ctx context.Context, userID string, mutate Mutation, expectedVersion *int64) (*models.EntitlementRecord, error)
	TryConditionalUpdate(ctx context.Context, userID string, pred Predicate, mutate Mutation) (*models.EntitlementRecord, bool, error)
	List(ctx context.Context, filter ListFilter) ([]models.EntitlementRecord, error)
}

// DefaultRetryAttempts bounds RetryOnConflict when callers pass a non-positive value.
const DefaultRetryAttempts = 5

// RetryOnConflict re-runs fn while it fails with ErrConditionalUpdateLost.
func RetryOnConflict(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	var err error
	for i := 0; i < attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn()
		if !errors.Is(err, ErrConditionalUpdateLost) {
			return err
		}
	}
	return fmt.Errorf("%w: %d attempts: %v", ErrTransient, attempts, err)
}

// applyMutation validates the outcome of a mutation against record invariants.
func applyMutation(cur *models.EntitlementRecord, mutate Mutation) (*models.EntitlementRecord, error) {
	next := cur.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	next.UserID = cur.UserID
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	if next.FileCredits < 0 {
		return nil, fmt.Errorf("file credits would become negative (%d)", next.FileCredits)
	}
	if next.SubscriptionActive && next.ProviderSubscriptionID == "" {
		return nil, errors.New("active subscription requires a provider subscription id")
	}
	next.Version = cur.Version + 1
	return next, nil
}
