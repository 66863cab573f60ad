package controllers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/creditgate/internal/pkg/billing"
	"github.com/ManuelReschke/creditgate/internal/pkg/entitlements"
)

const IdempotencyKeyHeader = "Idempotency-Key"

var validate = validator.New()

// parseBody decodes an optional JSON body and validates it. An empty body
// leaves out untouched before validation.
func parseBody(c *fiber.Ctx, out interface{}) error {
	if len(c.Body()) > 0 {
		if err := c.BodyParser(out); err != nil {
			return err
		}
	}
	return validate.Struct(out)
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": err.Error()})
}

// respondError maps domain errors to HTTP status codes.
func respondError(c *fiber.Ctx, err error) error {
	status, code := fiber.StatusInternalServerError, "internal_server_error"
	switch {
	case errors.Is(err, billing.ErrVerificationFailed):
		status, code = fiber.StatusBadRequest, "invalid_signature"
	case errors.Is(err, billing.ErrInvalidEvent),
		errors.Is(err, billing.ErrInvalidAmount),
		errors.Is(err, entitlements.ErrInvalidUserID):
		status, code = fiber.StatusBadRequest, "bad_request"
	case errors.Is(err, billing.ErrIdempotencyKeyRequired):
		status, code = fiber.StatusBadRequest, "idempotency_key_required"
	case errors.Is(err, entitlements.ErrRecordNotFound):
		status, code = fiber.StatusNotFound, "not_found"
	case errors.Is(err, billing.ErrUnknownSubscription):
		status, code = fiber.StatusNotFound, "unknown_subscription"
	case errors.Is(err, billing.ErrInsufficientCredits):
		status, code = fiber.StatusConflict, "insufficient_credits"
	case errors.Is(err, billing.ErrReconcileInProgress):
		status, code = fiber.StatusConflict, "reconcile_in_progress"
	case errors.Is(err, billing.ErrProviderInactive):
		status, code = fiber.StatusConflict, "provider_inactive"
	case errors.Is(err, billing.ErrNoSubscriptionReference):
		status, code = fiber.StatusUnprocessableEntity, "no_subscription_reference"
	case errors.Is(err, billing.ErrProviderUnreachable):
		status, code = fiber.StatusBadGateway, "provider_unreachable"
	case errors.Is(err, entitlements.ErrTransient):
		status, code = fiber.StatusServiceUnavailable, "transient_failure"
	}
	if status >= fiber.StatusInternalServerError {
		log.Errorf("[API] %s %s: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(fiber.Map{"error": code, "message": err.Error()})
}

func queryInt(c *fiber.Ctx, key string, def int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

// idempotencyKey prefers the header and falls back to a body reference.
func idempotencyKey(c *fiber.Ctx, fallback string) string {
	if key := strings.TrimSpace(c.Get(IdempotencyKeyHeader)); key != "" {
		return key
	}
	return strings.TrimSpace(fallback)
}
