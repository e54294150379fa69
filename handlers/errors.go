package handlers

import (
	"errors"

	"reward-ledger/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// statusFor maps a service error to its HTTP status.
func statusFor(err error) (status int, retryable bool) {
	switch {
	case errors.Is(err, services.ErrNotYetClaimable),
		errors.Is(err, services.ErrAlreadyClaimedToday),
		errors.Is(err, services.ErrTaskExists),
		errors.Is(err, services.ErrConflict):
		return fiber.StatusConflict, false
	case errors.Is(err, services.ErrUnknownTask),
		errors.Is(err, services.ErrUnknownUser),
		errors.Is(err, services.ErrUnknownBonus),
		errors.Is(err, services.ErrUnknownUpgrade):
		return fiber.StatusNotFound, false
	case errors.Is(err, services.ErrVerificationTimeout):
		return fiber.StatusRequestTimeout, false
	case errors.Is(err, services.ErrTransientVerification):
		return fiber.StatusServiceUnavailable, true
	case errors.Is(err, services.ErrInsufficientFunds):
		return fiber.StatusPaymentRequired, false
	case errors.Is(err, services.ErrInvalidSource),
		errors.Is(err, services.ErrInvalidTask):
		return fiber.StatusBadRequest, false
	}
	return fiber.StatusInternalServerError, false
}

// respondError writes {"error": ...}, attaching state when the caller has a
// fresh snapshot to reconcile against.
func respondError(c *fiber.Ctx, logger *zap.Logger, err error, state interface{}) error {
	status, retryable := statusFor(err)
	body := fiber.Map{"error": err.Error()}
	if status == fiber.StatusInternalServerError {
		logger.Error("[HTTP] request failed", zap.String("path", c.Path()), zap.Error(err))
		body["error"] = "internal error"
	}
	if retryable {
		body["retryable"] = true
	}
	if state != nil {
		body["state"] = state
	}
	return c.Status(status).JSON(body)
}

// outcomeState returns out when it carries a snapshot, nil otherwise.
func outcomeState(out services.Outcome) interface{} {
	if out.Task == nil && out.Bonus == nil && out.Referrals == nil {
		return nil
	}
	return out
}
