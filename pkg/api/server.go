package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/travigo/fleettrack/pkg/api/routes"
)

func NewApp(deps *routes.Dependencies) *fiber.App {
	webApp := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	webApp.Use(NewLogger())

	group := webApp.Group("/tracking")

	group.Get("/version", routes.APIVersion)
	group.Get("/health", routes.Health(deps.HealthChecks))

	routes.DriversRouter(group.Group("/drivers", routes.Authenticate()), deps)
	routes.WebsocketRouter(group.Group("/ws", routes.Authenticate()), deps)

	return webApp
}
