package routes

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

const healthCheckTimeout = 2 * time.Second

func Health(checks []HealthCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), healthCheckTimeout)
		defer cancel()

		statuses := fiber.Map{}
		healthy := true
		for _, check := range checks {
			if err := check.Check(ctx); err != nil {
				statuses[check.Name] = err.Error()
				healthy = false
			} else {
				statuses[check.Name] = "OK"
			}
		}

		if !healthy {
			c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.JSON(fiber.Map{
			"healthy": healthy,
			"checks":  statuses,
		})
	}
}
