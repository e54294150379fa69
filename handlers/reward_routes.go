package handlers

import (
	"strconv"

	"reward-ledger/middleware"
	"reward-ledger/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// RouteDeps are the services and auth handlers the routes need.
type RouteDeps struct {
	Rewards     *services.RewardService
	Store       *services.StoreService
	Leaderboard *services.LeaderboardService

	UserAuth    fiber.Handler
	SSEAuth     fiber.Handler
	ServiceAuth fiber.Handler

	Logger *zap.Logger
}

// SetupRewardRoutes registers the routes used by the Mini App. Every route
// answers with the authoritative state the client must adopt.
func SetupRewardRoutes(app *fiber.App, d RouteDeps) {
	auth := d.UserAuth

	app.Post("/session", auth, func(c *fiber.Ctx) error {
		isPremium, _ := c.Locals(middleware.LocalIsPremium).(bool)
		username, _ := c.Locals(middleware.LocalUsername).(string)
		startParam, _ := c.Locals(middleware.LocalStartParam).(string)

		session, err := d.Rewards.EnsureUser(c.UserContext(), services.Identity{
			UserID:     middleware.UserID(c),
			Username:   username,
			IsPremium:  isPremium,
			StartParam: startParam,
		})
		if err != nil {
			return respondError(c, d.Logger, err, nil)
		}
		status := fiber.StatusOK
		if session.Created {
			status = fiber.StatusCreated
		}
		return c.Status(status).JSON(session)
	})

	app.Get("/state", auth, func(c *fiber.Ctx) error {
		snap, err := d.Rewards.State(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, d.Logger, err, nil)
		}
		return c.JSON(snap)
	})

	app.Get("/tasks", auth, func(c *fiber.Ctx) error {
		tasks, err := d.Rewards.ListTaskStates(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, d.Logger, err, nil)
		}
		return c.JSON(fiber.Map{"tasks": tasks})
	})

	app.Post("/tasks/:id/verify", auth, func(c *fiber.Ctx) error {
		out, err := d.Rewards.RequestVerification(c.UserContext(), middleware.UserID(c), c.Params("id"))
		if err != nil {
			return respondError(c, d.Logger, err, outcomeState(out))
		}
		return c.JSON(out)
	})

	app.Get("/tasks/:id/verify", auth, func(c *fiber.Ctx) error {
		out, err := d.Rewards.CheckVerification(c.UserContext(), middleware.UserID(c), c.Params("id"))
		if err != nil {
			return respondError(c, d.Logger, err, outcomeState(out))
		}
		return c.JSON(out)
	})

	app.Post("/tasks/:id/claim", auth, func(c *fiber.Ctx) error {
		out, err := d.Rewards.Claim(c.UserContext(), middleware.UserID(c), c.Params("id"))
		if err != nil {
			return respondError(c, d.Logger, err, outcomeState(out))
		}
		return c.JSON(out)
	})

	app.Get("/bonuses", auth, func(c *fiber.Ctx) error {
		bonuses, err := d.Rewards.BonusStatus(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, d.Logger, err, nil)
		}
		return c.JSON(fiber.Map{"bonuses": bonuses})
	})

	app.Post("/bonuses/:kind/claim", auth, func(c *fiber.Ctx) error {
		out, err := d.Rewards.ClaimDaily(c.UserContext(), middleware.UserID(c), c.Params("kind"))
		if err != nil {
			return respondError(c, d.Logger, err, outcomeState(out))
		}
		return c.JSON(out)
	})

	app.Get("/referrals", auth, func(c *fiber.Ctx) error {
		userID := middleware.UserID(c)
		state, err := d.Rewards.ReferralStatus(c.UserContext(), userID)
		if err != nil {
			return respondError(c, d.Logger, err, nil)
		}
		limit, _ := strconv.Atoi(c.Query("limit", "50"))
		invitees, err := d.Rewards.Referrals.Invitees(c.UserContext(), userID, limit)
		if err != nil {
			return respondError(c, d.Logger, err, nil)
		}
		return c.JSON(fiber.Map{"referrals": state, "invitees": invitees})
	})

	app.Post("/referrals/settle", auth, func(c *fiber.Ctx) error {
		out, err := d.Rewards.SettleReferrals(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, d.Logger, err, outcomeState(out))
		}
		return c.JSON(out)
	})

	app.Get("/ledger", auth, func(c *fiber.Ctx) error {
		page, _ := strconv.Atoi(c.Query("page", "1"))
		size, _ := strconv.Atoi(c.Query("size", "20"))
		entries, total, err := d.Rewards.Ledger.History(c.UserContext(), middleware.UserID(c), page, size)
		if err != nil {
			return respondError(c, d.Logger, err, nil)
		}
		return c.JSON(fiber.Map{"entries": entries, "total": total, "page": page})
	})

	app.Get("/ledger/stream", d.SSEAuth, d.Rewards.StreamLedgerSSE)

	app.Get("/leaderboard", auth, func(c *fiber.Ctx) error {
		limit, _ := strconv.Atoi(c.Query("limit", "100"))
		ranking, err := d.Leaderboard.Ranking(c.UserContext(), middleware.UserID(c), limit)
		if err != nil {
			return respondError(c, d.Logger, err, nil)
		}
		return c.JSON(ranking)
	})

	app.Get("/store", auth, func(c *fiber.Ctx) error {
		upgrades, err := d.Store.Catalog(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, d.Logger, err, nil)
		}
		return c.JSON(fiber.Map{"upgrades": upgrades})
	})
}
