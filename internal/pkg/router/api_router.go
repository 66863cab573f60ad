package router

import (
	"github.com/gofiber/fiber/v2"
)

// ApiRouter serves the admin API under /api/v1.
type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", h.deps.AdminAuth)
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")
	ec := h.deps.Entitlements
	v1.Get("/entitlements", ec.HandleListEntitlements)
	v1.Get("/entitlements/:userId", ec.HandleGetEntitlement)
	v1.Post("/entitlements/:userId/activate", ec.HandleActivate)
	v1.Post("/entitlements/:userId/cancel", ec.HandleCancel)
	v1.Post("/entitlements/:userId/sync", ec.HandleSync)
	v1.Post("/entitlements/:userId/reactivate", ec.HandleReactivate)
	v1.Post("/entitlements/:userId/credits/grant", ec.HandleGrantCredits)
	v1.Post("/entitlements/:userId/credits/consume", ec.HandleConsumeCredits)

	v1.Get("/billing/webhook-events", h.deps.Billing.HandleListWebhookEvents)
	v1.Get("/billing/stats", ec.HandleStats)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
