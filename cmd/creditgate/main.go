package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/creditgate/app/controllers"
	"github.com/ManuelReschke/creditgate/internal/pkg/billing"
	"github.com/ManuelReschke/creditgate/internal/pkg/cache"
	"github.com/ManuelReschke/creditgate/internal/pkg/database"
	"github.com/ManuelReschke/creditgate/internal/pkg/entitlements"
	"github.com/ManuelReschke/creditgate/internal/pkg/env"
	"github.com/ManuelReschke/creditgate/internal/pkg/jobqueue"
	metrics "github.com/ManuelReschke/creditgate/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/creditgate/internal/pkg/middleware"
	"github.com/ManuelReschke/creditgate/internal/pkg/ratelimit"
	"github.com/ManuelReschke/creditgate/internal/pkg/router"
)

func main() {
	app, manager := NewApplication()
	if manager != nil {
		manager.Start()
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Info("Shutting down...")
		if manager != nil {
			manager.Stop()
		}
		_ = app.Shutdown()
	}()

	if err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))); err != nil {
		log.Fatal(err)
	}
	_ = cache.Close()
}

// NewApplication wires storage, coordination and HTTP. The returned manager is
// nil when Redis is unavailable.
func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	cache.SetupCache()

	var (
		store entitlements.Store
		repo  billing.Repository
	)
	switch driver := env.GetEnv("STORE_DRIVER", "mysql"); driver {
	case "memory":
		log.Warn("STORE_DRIVER=memory: entitlements are not persisted and the webhook audit log is disabled")
		store = entitlements.NewMemoryStore()
	case "mysql":
		database.SetupDatabase()
		store = entitlements.NewGormStore(database.GetDB())
		repo = billing.NewRepository(database.GetDB())
	default:
		panic(fmt.Sprintf("unknown STORE_DRIVER %q", driver))
	}

	var (
		locker   billing.Locker
		counters *metrics.Counters
	)
	if cache.Available() {
		locker = billing.NewRedisLocker(cache.GetClient())
		counters = metrics.New(cache.GetClient())
	} else {
		log.Warn("Cache unavailable: reconcile locks and counters are process-local")
		locker = billing.NewLocalLocker()
		counters = metrics.New(nil)
	}

	svc := billing.NewService(billing.ConfigFromEnv(), store, billing.NewProviderClientFromEnv(), locker, repo, counters)

	var (
		manager *jobqueue.Manager
		queue   controllers.ReconcileQueue
	)
	if cache.Available() {
		q := jobqueue.NewQueue(cache.GetClient(), env.GetEnvInt("JOB_WORKERS", 3), svc.Reconciler)
		manager = jobqueue.NewManager(q, store, env.GetEnvDuration("RECONCILE_SWEEP_INTERVAL", 0))
		queue = q
	}

	// Define possible base paths
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/creditgate to project root
		"../../../", // Fallback
	}
	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public/docs/v1/openapi.yml"); err == nil {
			basePath = path
			break
		}
	}

	app := fiber.New(fiber.Config{
		AppName:   "creditgate",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "change-me"),
		},
	}), monitor.New())

	// SWAGGER / OPENAPI
	if basePath != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: basePath + "public/docs/v1/openapi.yml",
			Path:     "v1",
		}))
	} else {
		log.Warn("OpenAPI document not found, /docs/api/v1 disabled")
	}

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Billing:        controllers.NewBillingController(svc),
		Entitlements:   controllers.NewEntitlementController(svc, store, counters, queue),
		AdminAuth:      middleware.AdminTokenAuthMiddleware(env.GetEnv("ADMIN_API_TOKEN_HASH", "")),
		WebhookLimiter: ratelimit.NewWebhookLimiter(ratelimit.SettingsFromEnv()),
	})

	return app, manager
}
