package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/HumNoi1/Projects/internal/dto"
	"github.com/HumNoi1/Projects/internal/service"
	"github.com/HumNoi1/Projects/internal/utils"
)

// GradingHandler exposes single-answer grading.
type GradingHandler struct {
	service   service.GradingService
	logger    zerolog.Logger
	rateLimit fiber.Handler
}

// NewGradingHandler constructs the handler. rateLimit guards the grade
// endpoint and may be nil.
func NewGradingHandler(service service.GradingService, rateLimit fiber.Handler, logger zerolog.Logger) *GradingHandler {
	if rateLimit == nil {
		rateLimit = func(c *fiber.Ctx) error { return c.Next() }
	}

	return &GradingHandler{
		service:   service,
		logger:    logger.With().Str("component", "grading_handler").Logger(),
		rateLimit: rateLimit,
	}
}

// Register binds the grading routes.
func (h *GradingHandler) Register(router fiber.Router) {
	router.Post("/grade", h.rateLimit, h.grade)
	router.Get("/records/:id", h.record)
}

func (h *GradingHandler) grade(c *fiber.Ctx) error {
	var payload dto.GradeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	response, err := h.service.Grade(requestContext(c), payload, userIDStringFromContext(c))
	if err != nil {
		return handleError(c, h.logger, err, "failed to grade answer")
	}

	if response.Cached {
		return utils.SendSuccess(c, "answer graded (cached)", response)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "answer graded", response)
}

func (h *GradingHandler) record(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "record id required")
	}

	response, err := h.service.GetRecord(requestContext(c), id)
	if err != nil {
		return handleError(c, h.logger, err, "failed to load grading record")
	}

	return utils.SendSuccess(c, "grading record", response)
}
