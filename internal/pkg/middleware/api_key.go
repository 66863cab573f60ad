package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/crypto/bcrypt"
)

// AdminTokenAuthMiddleware guards the admin API. The bearer token (or X-API-Key)
// is compared against a bcrypt hash; an empty hash rejects every request.
func AdminTokenAuthMiddleware(tokenHash string) fiber.Handler {
	hash := []byte(strings.TrimSpace(tokenHash))
	if len(hash) == 0 {
		log.Warn("[Auth] ADMIN_API_TOKEN_HASH is empty, admin API is locked")
	}

	return func(c *fiber.Ctx) error {
		token := extractAPIKeyFromHeader(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing admin token"})
		}
		if len(hash) == 0 || bcrypt.CompareHashAndPassword(hash, []byte(token)) != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid admin token"})
		}
		return c.Next()
	}
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
