package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/creditgate/internal/pkg/env"
)

var (
	client    *redis.Client
	available bool
)

// SetupCache connects to Redis (or Dragonfly). An unreachable server is not
// fatal; callers check Available and fall back to process-local coordination.
func SetupCache() {
	host := env.GetEnv("CACHE_HOST", "localhost")
	port := env.GetEnv("CACHE_PORT", "6379")

	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       env.GetEnvInt("CACHE_DB", 0),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		available = false
		log.Warnf("[Cache] Could not connect to %s:%s: %v", host, port, err)
		return
	}
	available = true
	log.Infof("[Cache] Connected: %s", pong)
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// Available reports whether the last connection attempt succeeded.
func Available() bool {
	return client != nil && available
}

func Close() error {
	if client == nil {
		return nil
	}
	return client.Close()
}
