package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	initdata "github.com/telegram-mini-apps/init-data-golang"
	"go.uber.org/zap"
)

// InitDataHeader carries the raw Telegram Mini App init data.
const InitDataHeader = "X-Telegram-Init-Data"

// Locals keys set by the identity middlewares.
const (
	LocalUserID     = "user_id"
	LocalUsername   = "username"
	LocalIsPremium  = "is_premium"
	LocalStartParam = "start_param"
)

// TelegramAuthMiddleware validates the init data signed by the bot token and
// attaches the caller's identity to the context.
func TelegramAuthMiddleware(botToken string, maxAge time.Duration, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return authenticate(c, c.Get(InitDataHeader), botToken, maxAge, logger)
	}
}

// SSEAuthMiddleware is TelegramAuthMiddleware for EventSource clients, which
// cannot set headers: the init data comes in the init_data query parameter.
func SSEAuthMiddleware(botToken string, maxAge time.Duration, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := strings.TrimSpace(c.Query("init_data"))
		if raw == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Missing init_data in query",
			})
		}
		return authenticate(c, raw, botToken, maxAge, logger)
	}
}

func authenticate(c *fiber.Ctx, raw, botToken string, maxAge time.Duration, logger *zap.Logger) error {
	if raw == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "telegram init data missing",
		})
	}
	if err := initdata.Validate(raw, botToken, maxAge); err != nil {
		logger.Warn("[AUTH] invalid init data", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "invalid telegram init data",
		})
	}
	data, err := initdata.Parse(raw)
	if err != nil || data.User.ID == 0 {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "telegram init data has no user",
		})
	}

	c.Locals(LocalUserID, strconv.FormatInt(data.User.ID, 10))
	c.Locals(LocalUsername, data.User.Username)
	c.Locals(LocalIsPremium, data.User.IsPremium)
	c.Locals(LocalStartParam, data.StartParam)
	return c.Next()
}

// UserID returns the authenticated user id, or "".
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(LocalUserID).(string)
	return id
}
