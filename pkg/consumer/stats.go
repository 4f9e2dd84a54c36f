package consumer

import (
	"github.com/adjust/rmq/v5"
	"github.com/gofiber/fiber/v2"
)

// RegisterStatsRoutes exposes the rmq queue dashboard and a health check for a worker process.
func RegisterStatsRoutes(router fiber.Router, connection rmq.Connection, health func() error) {
	router.Get("/stats", func(c *fiber.Ctx) error {
		queues, err := connection.GetOpenQueues()
		if err != nil {
			c.SendStatus(fiber.StatusInternalServerError)
			return c.JSON(fiber.Map{"error": err.Error()})
		}

		stats, err := connection.CollectStats(queues)
		if err != nil {
			c.SendStatus(fiber.StatusInternalServerError)
			return c.JSON(fiber.Map{"error": err.Error()})
		}

		c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
		return c.SendString(stats.GetHtml(c.Query("layout"), c.Query("refresh")))
	})

	router.Get("/health", func(c *fiber.Ctx) error {
		if err := health(); err != nil {
			c.SendStatus(fiber.StatusInternalServerError)
			return c.SendString(err.Error())
		}
		return c.SendString("OK")
	})
}
