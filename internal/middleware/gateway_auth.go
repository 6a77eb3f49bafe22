package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/pkg/response"
)

// GatewayAuthMiddleware trusts the identity headers the gateway attaches
// after its ForwardAuth round trip to /auth/verify. Only mount this behind
// the gateway; in direct mode AuthMiddleware validates tokens itself.
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-Id")
		if userID == "" {
			return response.Unauthorized(c, "Request did not pass gateway authentication")
		}

		c.Locals("userId", userID)
		c.Locals("email", c.Get("X-User-Email"))
		c.Locals("name", c.Get("X-User-Name"))
		c.Locals("role", c.Get("X-User-Role"))

		return c.Next()
	}
}
