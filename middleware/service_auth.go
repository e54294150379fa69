package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// ServiceAuthMiddleware validates the Bearer token used by internal callers
// (payment confirmations, admin tooling).
func ServiceAuthMiddleware(expectedToken string, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			logger.Warn("[SERVICE_AUTH] missing Authorization header", zap.String("path", c.Path()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "service authentication token missing",
			})
		}

		// Accept "Bearer <token>" or the raw token.
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if expectedToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
			logger.Warn("[SERVICE_AUTH] invalid token", zap.String("path", c.Path()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid service authentication token",
			})
		}
		return c.Next()
	}
}
