package handlers

import (
	"strings"

	"reward-ledger/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// SetupAdminRoutes registers the service-token routes: payment confirmations
// and catalog administration.
func SetupAdminRoutes(app *fiber.App, d RouteDeps) {
	auth := d.ServiceAuth

	app.Post("/internal/purchases", auth, func(c *fiber.Ctx) error {
		var req services.PurchaseConfirmation
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
		if strings.TrimSpace(req.UserID) == "" || req.UpgradeID == "" || req.PaymentRef == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "user_id, upgrade_id and payment_ref are required"})
		}
		out, err := d.Store.ConfirmPurchase(c.UserContext(), req)
		if err != nil {
			return respondError(c, d.Logger, err, nil)
		}
		return c.JSON(out)
	})

	app.Post("/admin/tasks", auth, func(c *fiber.Ctx) error {
		var req services.NewTask
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
		task, err := d.Rewards.Tasks.AddTask(c.UserContext(), req)
		if err != nil {
			return respondError(c, d.Logger, err, nil)
		}
		d.Logger.Info("[CATALOG] admin task stored", zap.String("task_id", task.ID), zap.Int64("reward", task.Reward))
		return c.Status(fiber.StatusCreated).JSON(task)
	})

	app.Get("/admin/tasks", auth, func(c *fiber.Ctx) error {
		tasks, err := d.Rewards.Tasks.ListTasks(c.UserContext())
		if err != nil {
			return respondError(c, d.Logger, err, nil)
		}
		return c.JSON(fiber.Map{"tasks": tasks})
	})

	app.Post("/admin/referrals/:user/settle", auth, func(c *fiber.Ctx) error {
		out, err := d.Rewards.SettleReferrals(c.UserContext(), c.Params("user"))
		if err != nil {
			return respondError(c, d.Logger, err, outcomeState(out))
		}
		return c.JSON(out)
	})
}
