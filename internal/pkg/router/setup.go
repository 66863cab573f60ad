package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/creditgate/app/controllers"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the handlers and middleware shared by the routers.
type Dependencies struct {
	Billing      *controllers.BillingController
	Entitlements *controllers.EntitlementController
	AdminAuth    fiber.Handler
	// WebhookLimiter is optional; nil disables rate limiting on the webhook route.
	WebhookLimiter fiber.Handler
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
