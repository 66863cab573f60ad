package ratelimit

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/creditgate/internal/pkg/cache"
	"github.com/ManuelReschke/creditgate/internal/pkg/env"
)

// limiterDatabase keeps limiter keys apart from the job queue and counters in DB 0.
const limiterDatabase = 1

// Settings for the webhook route limiter.
type Settings struct {
	Max        int
	Expiration time.Duration
}

func SettingsFromEnv() Settings {
	return Settings{
		Max:        env.GetEnvInt("WEBHOOK_RATE_LIMIT", 120),
		Expiration: env.GetEnvDuration("WEBHOOK_RATE_WINDOW", time.Minute),
	}
}

// NewWebhookLimiter returns a limiter handler. The counters live in Redis when
// the cache is reachable so every instance shares the budget; otherwise fiber's
// in-memory storage is used. Max <= 0 disables limiting and returns nil.
func NewWebhookLimiter(s Settings) fiber.Handler {
	if s.Max <= 0 {
		return nil
	}
	cfg := limiter.Config{
		Max:        s.Max,
		Expiration: s.Expiration,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited"})
		},
	}
	if storage := newRedisStorage(); storage != nil {
		cfg.Storage = storage
	}
	return limiter.New(cfg)
}

func newRedisStorage() fiber.Storage {
	if !cache.Available() {
		log.Warn("[RateLimit] Cache unavailable, using in-memory limiter storage")
		return nil
	}
	// reuse the address and credentials of the cache client
	opts := cache.GetClient().Options()
	host := "localhost"
	port := 6379
	if h, p, err := net.SplitHostPort(opts.Addr); err == nil {
		host = h
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: opts.Password,
		Database: limiterDatabase,
		Reset:    false,
	})
}
