// middleware/user_context.go
package middleware

import (
	"log"
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// UserContextMiddleware extracts the authenticated user id forwarded by the
// gateway. Session handling lives upstream; this service only needs the id.
func UserContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := c.Get("X-User-ID")
		if raw == "" {
			log.Printf("❌ [USER_CTX] X-User-ID missing on secured route: %s", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-User-ID — request must come through gateway with auth context",
			})
		}

		userID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid X-User-ID",
			})
		}

		c.Locals("user_id", uint(userID))
		return c.Next()
	}
}
