package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/HumNoi1/Projects/internal/config"
	"github.com/HumNoi1/Projects/internal/utils"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	Evaluator   string    `json:"evaluator,omitempty"`
}

// HealthCheck reports liveness together with the model that grades answers.
func HealthCheck(cfg config.Config, evaluator string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return utils.SendSuccess(c, "service healthy", HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			Evaluator:   evaluator,
		})
	}
}
