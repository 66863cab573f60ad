package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/creditgate/internal/pkg/billing"
)

// BillingController receives provider webhooks and serves the audit log.
type BillingController struct {
	svc *billing.Service
}

func NewBillingController(svc *billing.Service) *BillingController {
	return &BillingController{svc: svc}
}

// HandleWebhook verifies the raw body and applies the event. Anything that is
// not a verification or payload problem answers 500 so the provider redelivers.
func (bc *BillingController) HandleWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.Body()...)
	res, err := bc.svc.HandleWebhook(c.UserContext(), rawBody, c.Get(billing.SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrVerificationFailed):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
		case errors.Is(err, billing.ErrInvalidEvent):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_processing_failed"})
		}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"ok":        true,
		"event_id":  res.EventID,
		"outcome":   res.Outcome(),
		"duplicate": res.Duplicate,
		"ignored":   res.Ignored,
	})
}

// HandleListWebhookEvents returns the newest audit rows (?limit=, default 50).
func (bc *BillingController) HandleListWebhookEvents(c *fiber.Ctx) error {
	events, err := bc.svc.ListWebhookEvents(queryInt(c, "limit", 50))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"events": events})
}
