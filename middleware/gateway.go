// middleware/gateway.go
package middleware

import (
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// ServiceAuthMiddleware validates the Bearer token set by the API gateway.
// The IPN webhook is exempt: the processor authenticates with its HMAC
// signature, not our gateway token.
func ServiceAuthMiddleware(expectedToken string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		path := c.Path()
		if strings.HasSuffix(path, "/webhook/ipn") || path == "/health" {
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			log.Printf("🚫 [SERVICE_AUTH] Missing Authorization header for %s", path)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "gateway authentication token missing",
			})
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token != expectedToken {
			log.Printf("❌ [SERVICE_AUTH] Invalid token for %s", path)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid gateway authentication token",
			})
		}

		return c.Next()
	}
}
