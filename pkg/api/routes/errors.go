package routes

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/travigo/fleettrack/pkg/model"
)

func sendError(c *fiber.Ctx, err error) error {
	var validationErr *model.ValidationError

	switch {
	case errors.As(err, &validationErr):
		c.SendStatus(fiber.StatusBadRequest)
		return c.JSON(fiber.Map{
			"error":  "Validation failed",
			"fields": validationErr.Fields,
		})
	case errors.Is(err, model.ErrConcurrentUpdate):
		c.Set(fiber.HeaderRetryAfter, "1")
		c.SendStatus(fiber.StatusConflict)
		return c.JSON(fiber.Map{
			"error": "Another update for this driver is in progress",
		})
	case errors.Is(err, model.ErrNotFound):
		c.SendStatus(fiber.StatusNotFound)
		return c.JSON(fiber.Map{
			"error": "Could not find location for driver",
		})
	default:
		log.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
		c.SendStatus(fiber.StatusInternalServerError)
		return c.JSON(fiber.Map{
			"error": "Internal server error",
		})
	}
}

func sendForbidden(c *fiber.Ctx, message string) error {
	c.SendStatus(fiber.StatusForbidden)
	return c.JSON(fiber.Map{
		"error": message,
	})
}

const (
	forbiddenDriver  = "Not allowed to act for this driver"
	forbiddenCompany = "Not allowed to query another company"
)

func sendBadBody(c *fiber.Ctx, err error) error {
	c.SendStatus(fiber.StatusBadRequest)
	return c.JSON(fiber.Map{
		"error": "Could not parse request body: " + err.Error(),
	})
}
