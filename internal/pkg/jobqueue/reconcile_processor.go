package jobqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/creditgate/internal/pkg/billing"
)

// errPermanent marks job failures that a retry cannot fix.
var errPermanent = errors.New("permanent job failure")

// processReconcileEntitlementJob runs one reconciliation. Provider outages and
// lock contention are retried; a user without a subscription reference is done.
func (q *Queue) processReconcileEntitlementJob(ctx context.Context, job *Job) error {
	payload, err := ReconcileEntitlementJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("%w: invalid reconcile payload: %v", errPermanent, err)
	}
	if payload.UserID == "" {
		return fmt.Errorf("%w: reconcile payload without user id", errPermanent)
	}
	if q.reconciler == nil {
		return fmt.Errorf("%w: no reconciler configured", errPermanent)
	}

	res, err := q.reconciler.Reconcile(ctx, payload.UserID, payload.SubscriptionID)
	switch {
	case errors.Is(err, billing.ErrNoSubscriptionReference):
		log.Infof("[JobQueue] User %s has no subscription to reconcile", payload.UserID)
		return nil
	case errors.Is(err, billing.ErrUnknownSubscription):
		return fmt.Errorf("%w: %v", errPermanent, err)
	case err != nil:
		return err
	}

	switch {
	case res.InSync:
		log.Debugf("[JobQueue] User %s already in sync", payload.UserID)
	case res.Applied:
		log.Infof("[JobQueue] Reconciled user %s (%s via %s)", payload.UserID, res.Type, res.EventID)
	}
	return nil
}
