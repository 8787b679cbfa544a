package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// RotationScheduler defines the interface for rotation scheduler operations
type RotationScheduler interface {
	Status() map[string]interface{}
	TriggerNow()
}

// RotationHandler handles rotation scheduler API endpoints
type RotationHandler struct {
	scheduler RotationScheduler
	logger    zerolog.Logger
}

// NewRotationHandler creates a new rotation handler
func NewRotationHandler(scheduler RotationScheduler, logger zerolog.Logger) *RotationHandler {
	return &RotationHandler{
		scheduler: scheduler,
		logger:    logger.With().Str("component", "rotation-handler").Logger(),
	}
}

// RegisterRoutes registers rotation API routes
func (h *RotationHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/api/v1/rotation", h.handleGetStatus)
	app.Post("/api/v1/rotation/trigger", h.handleTrigger)
}

// handleGetStatus returns the rotation scheduler status
func (h *RotationHandler) handleGetStatus(c *fiber.Ctx) error {
	if h.scheduler == nil {
		return c.JSON(fiber.Map{
			"running": false,
			"reason":  "no rotation scheduler configured",
		})
	}

	return c.JSON(h.scheduler.Status())
}

// handleTrigger runs a rotation cycle immediately instead of waiting
// for the next cron fire. Useful after repointing a feed symlink.
func (h *RotationHandler) handleTrigger(c *fiber.Ctx) error {
	if h.scheduler == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "rotation scheduler is not running",
		})
	}

	h.scheduler.TriggerNow()
	h.logger.Info().Msg("Rotation triggered manually")

	return c.JSON(fiber.Map{
		"message": "Rotation triggered successfully",
	})
}
