package server

import (
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/akoselev/keywatch/internal/service"
)

// NewHealthApp exposes liveness and metrics over HTTP.
func NewHealthApp(sup *service.Supervisor, log *zap.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	health := func(c *fiber.Ctx) error {
		_, total := sup.Status("")
		return c.JSON(fiber.Map{
			"status":          "ok",
			"active_sessions": total,
		})
	}
	app.Get("/", health)
	app.Get("/healthz", health)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	return app
}
