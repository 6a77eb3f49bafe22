package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/auth"
)

// AuthHandler answers the gateway's ForwardAuth subrequests. Traefik forwards
// the original Authorization header here; a 200 with identity headers lets
// the request through to the service, anything else blocks it.
type AuthHandler struct {
	verifier     auth.TokenVerifier
	legacySecret string
}

func NewAuthHandler(verifier auth.TokenVerifier, legacySecret string) *AuthHandler {
	return &AuthHandler{
		verifier:     verifier,
		legacySecret: legacySecret,
	}
}

// Verify handles GET /auth/verify. OIDC tokens are checked against the JWKS
// verifier first; HMAC session tokens from the previous backend are accepted
// as fallback while they remain in circulation.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	token := bearerToken(c)
	if token == "" {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	if h.verifier != nil {
		if claims, err := h.verifier.Validate(token); err == nil {
			c.Set("X-User-Id", claims.UserID)
			c.Set("X-User-Email", claims.Email)
			c.Set("X-User-Name", claims.Name)
			if len(claims.Roles) > 0 {
				c.Set("X-User-Role", claims.Roles[0])
			}
			return c.SendStatus(fiber.StatusOK)
		}
	}

	if h.legacySecret != "" {
		if claims, err := auth.ValidateLegacyToken(token, h.legacySecret); err == nil {
			c.Set("X-User-Id", claims.UserID)
			c.Set("X-User-Email", claims.Email)
			c.Set("X-User-Role", claims.Role)
			return c.SendStatus(fiber.StatusOK)
		}
	}

	return c.SendStatus(fiber.StatusUnauthorized)
}

// bearerToken extracts the bearer credential from the Authorization header,
// empty when the header is missing or not a bearer scheme.
func bearerToken(c *fiber.Ctx) string {
	header := c.Get(fiber.HeaderAuthorization)
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
