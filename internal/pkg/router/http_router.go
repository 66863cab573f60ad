package router

import (
	"github.com/gofiber/fiber/v2"
)

// HttpRouter serves the provider-facing webhook and the health check.
type HttpRouter struct {
	deps Dependencies
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	handlers := []fiber.Handler{}
	if h.deps.WebhookLimiter != nil {
		handlers = append(handlers, h.deps.WebhookLimiter)
	}
	handlers = append(handlers, h.deps.Billing.HandleWebhook)
	app.Post("/billing/webhook", handlers...)
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{deps: deps}
}
