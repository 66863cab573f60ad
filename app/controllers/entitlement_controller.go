package controllers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/creditgate/internal/pkg/billing"
	"github.com/ManuelReschke/creditgate/internal/pkg/entitlements"
	"github.com/ManuelReschke/creditgate/internal/pkg/jobqueue"
	metrics "github.com/ManuelReschke/creditgate/internal/pkg/metrics/counter"
)

// ============================================================================
// ENTITLEMENT ADMIN CONTROLLER
// ============================================================================

// UsageRecorder counts credit consumption outcomes.
type UsageRecorder interface {
	AddCreditUsage(ctx context.Context, kind string) error
}

// CounterSource exposes the operational counters.
type CounterSource interface {
	Snapshot(ctx context.Context) (*metrics.Snapshot, error)
}

// ReconcileQueue is the async side of the sync endpoint and the stats view.
type ReconcileQueue interface {
	EnqueueReconcile(ctx context.Context, payload jobqueue.ReconcileEntitlementJobPayload) (*jobqueue.Job, bool, error)
	GetStats(ctx context.Context) (*jobqueue.Stats, error)
}

// EntitlementController serves the admin API. counters and queue may be nil.
type EntitlementController struct {
	svc      *billing.Service
	store    entitlements.Store
	counters interface {
		UsageRecorder
		CounterSource
	}
	queue ReconcileQueue
}

func NewEntitlementController(svc *billing.Service, store entitlements.Store, counters *metrics.Counters, queue ReconcileQueue) *EntitlementController {
	ec := &EntitlementController{svc: svc, store: store, queue: queue}
	if counters != nil {
		ec.counters = counters
	}
	return ec
}

type subscriptionRequest struct {
	SubscriptionID string `json:"subscription_id" validate:"required,max=191"`
}

type optionalSubscriptionRequest struct {
	SubscriptionID string `json:"subscription_id" validate:"omitempty,max=191"`
}

type grantCreditsRequest struct {
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	Reference string `json:"reference" validate:"omitempty,max=191"`
}

type consumeCreditsRequest struct {
	Amount int64 `json:"amount" validate:"gte=0"`
}

func userParam(c *fiber.Ctx) string {
	return strings.TrimSpace(c.Params("userId"))
}

func resultResponse(c *fiber.Ctx, res *billing.Result) error {
	body := fiber.Map{
		"event_id":  res.EventID,
		"outcome":   res.Outcome(),
		"duplicate": res.Duplicate,
		"in_sync":   res.InSync,
	}
	if res.Record != nil {
		body["entitlement"] = entitlements.NewView(res.Record.UserID, res.Record)
	}
	return c.JSON(body)
}

// HandleListEntitlements supports ?active=true&subscribed=true&limit=&offset=
func (ec *EntitlementController) HandleListEntitlements(c *fiber.Ctx) error {
	filter := entitlements.ListFilter{
		ActiveOnly:          c.QueryBool("active", false),
		WithSubscriptionRef: c.QueryBool("subscribed", false),
		Limit:               queryInt(c, "limit", 100),
		Offset:              queryInt(c, "offset", 0),
	}
	if filter.Limit > 500 {
		filter.Limit = 500
	}
	recs, err := ec.store.List(c.UserContext(), filter)
	if err != nil {
		return respondError(c, err)
	}
	views := make([]entitlements.View, 0, len(recs))
	for i := range recs {
		views = append(views, entitlements.NewView(recs[i].UserID, &recs[i]))
	}
	return c.JSON(fiber.Map{"entitlements": views, "limit": filter.Limit, "offset": filter.Offset})
}

func (ec *EntitlementController) HandleGetEntitlement(c *fiber.Ctx) error {
	rec, err := ec.store.Get(c.UserContext(), userParam(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(entitlements.NewView(rec.UserID, rec))
}

func (ec *EntitlementController) HandleActivate(c *fiber.Ctx) error {
	var req subscriptionRequest
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}
	res, err := ec.svc.Reconciler.ManualActivate(c.UserContext(), userParam(c), req.SubscriptionID, idempotencyKey(c, ""))
	if err != nil {
		return respondError(c, err)
	}
	return resultResponse(c, res)
}

func (ec *EntitlementController) HandleCancel(c *fiber.Ctx) error {
	var req optionalSubscriptionRequest
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}
	res, err := ec.svc.Reconciler.ManualCancel(c.UserContext(), userParam(c), req.SubscriptionID, idempotencyKey(c, ""))
	if err != nil {
		return respondError(c, err)
	}
	return resultResponse(c, res)
}

// HandleSync reconciles against the provider. ?async=true queues a job instead.
func (ec *EntitlementController) HandleSync(c *fiber.Ctx) error {
	var req optionalSubscriptionRequest
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}
	userID := userParam(c)

	if c.QueryBool("async", false) {
		if ec.queue == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "queue_unavailable", "message": "job queue is not configured"})
		}
		if userID == "" {
			return respondError(c, entitlements.ErrInvalidUserID)
		}
		job, created, err := ec.queue.EnqueueReconcile(c.UserContext(), jobqueue.ReconcileEntitlementJobPayload{
			UserID:         userID,
			SubscriptionID: req.SubscriptionID,
			Reason:         "admin",
		})
		if err != nil {
			return respondError(c, err)
		}
		body := fiber.Map{"queued": created}
		if job != nil {
			body["job_id"] = job.ID
		}
		return c.Status(fiber.StatusAccepted).JSON(body)
	}

	res, err := ec.svc.Reconciler.Reconcile(c.UserContext(), userID, req.SubscriptionID)
	if err != nil {
		return respondError(c, err)
	}
	return resultResponse(c, res)
}

func (ec *EntitlementController) HandleReactivate(c *fiber.Ctx) error {
	var req subscriptionRequest
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}
	res, err := ec.svc.Reconciler.Reactivate(c.UserContext(), userParam(c), req.SubscriptionID, idempotencyKey(c, ""))
	if err != nil {
		return respondError(c, err)
	}
	return resultResponse(c, res)
}

func (ec *EntitlementController) HandleGrantCredits(c *fiber.Ctx) error {
	var req grantCreditsRequest
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}
	res, err := ec.svc.Reconciler.ManualGrantCredits(c.UserContext(), userParam(c), req.Amount, idempotencyKey(c, req.Reference))
	if err != nil {
		return respondError(c, err)
	}
	return resultResponse(c, res)
}

// HandleConsumeCredits consumes one credit unless the body names an amount.
func (ec *EntitlementController) HandleConsumeCredits(c *fiber.Ctx) error {
	var req consumeCreditsRequest
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}
	ctx := c.UserContext()
	res, err := ec.svc.Ledger.Consume(ctx, userParam(c), req.Amount)
	switch {
	case errors.Is(err, billing.ErrInsufficientCredits):
		ec.countUsage(ctx, "insufficient")
	case err != nil:
	case res.Unlimited:
		ec.countUsage(ctx, "unlimited")
	default:
		ec.countUsage(ctx, "consumed")
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

func (ec *EntitlementController) countUsage(ctx context.Context, kind string) {
	if ec.counters == nil {
		return
	}
	if err := ec.counters.AddCreditUsage(ctx, kind); err != nil {
		log.Warnf("[API] Failed to count credit usage: %v", err)
	}
}

// HandleStats combines the counters with the job queue snapshot.
func (ec *EntitlementController) HandleStats(c *fiber.Ctx) error {
	ctx := c.UserContext()
	body := fiber.Map{}
	if ec.counters != nil {
		snap, err := ec.counters.Snapshot(ctx)
		if err != nil {
			return respondError(c, err)
		}
		body["counters"] = snap
	}
	if ec.queue != nil {
		stats, err := ec.queue.GetStats(ctx)
		if err != nil {
			log.Warnf("[API] Failed to read job queue stats: %v", err)
		} else {
			body["job_queue"] = stats
		}
	}
	return c.JSON(body)
}
