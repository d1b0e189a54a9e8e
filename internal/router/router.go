package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/HumNoi1/Projects/internal/config"
	"github.com/HumNoi1/Projects/internal/handler"
	"github.com/HumNoi1/Projects/internal/middleware"
	"github.com/HumNoi1/Projects/internal/observability"
)

// Batch routes are limited to these roles.
var batchRoles = []string{"teacher", "admin"}

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	GradingHandler      *handler.GradingHandler
	BatchGradingHandler *handler.BatchGradingHandler
	JWTMiddleware       fiber.Handler
	Evaluator           string
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.Evaluator))

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	gradingGroup := api.Group("/grading", jwtMiddleware)

	if deps.GradingHandler != nil {
		deps.GradingHandler.Register(gradingGroup)
	}

	if deps.BatchGradingHandler != nil {
		batches := gradingGroup.Group("/batches", middleware.RequireRole(batchRoles...))
		deps.BatchGradingHandler.Register(batches)
	}
}
