package billing

import "errors"

var (
	ErrVerificationFailed = errors.New("webhook verification failed")
	ErrInvalidEvent       = errors.New("invalid billing event")
	// ErrUnroutableEvent means the event names no user and no known subscription.
	ErrUnroutableEvent     = errors.New("billing event cannot be routed to a user")
	ErrInsufficientCredits = errors.New("insufficient file credits")
	ErrInvalidAmount       = errors.New("amount must be positive")
	// ErrIdempotencyKeyRequired guards additive manual actions against replays.
	ErrIdempotencyKeyRequired = errors.New("idempotency key or reference required")

	ErrProviderUnreachable     = errors.New("payment provider unreachable")
	ErrUnknownSubscription     = errors.New("payment provider does not know the subscription")
	ErrProviderInactive        = errors.New("payment provider reports subscription inactive")
	ErrReconcileInProgress     = errors.New("reconciliation already running for user")
	ErrNoSubscriptionReference = errors.New("no subscription reference for user")
)
