package handler

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/HumNoi1/Projects/internal/dto"
	"github.com/HumNoi1/Projects/internal/grading"
	"github.com/HumNoi1/Projects/internal/service"
	"github.com/HumNoi1/Projects/internal/utils"
)

const (
	streamPingInterval = 30 * time.Second
	streamWriteTimeout = 10 * time.Second

	// EventBatchSnapshot is the first message of every progress stream.
	EventBatchSnapshot = "batch.snapshot"
)

// BatchGradingHandler exposes batch management and the progress stream.
type BatchGradingHandler struct {
	service service.BatchGradingService
	events  service.BatchEventService
	logger  zerolog.Logger
}

// NewBatchGradingHandler constructs a handler instance.
func NewBatchGradingHandler(service service.BatchGradingService, events service.BatchEventService, logger zerolog.Logger) *BatchGradingHandler {
	return &BatchGradingHandler{
		service: service,
		events:  events,
		logger:  logger.With().Str("component", "batch_grading_handler").Logger(),
	}
}

// Register binds the batch routes under the provided router group.
func (h *BatchGradingHandler) Register(router fiber.Router) {
	router.Post("/", h.create)
	router.Post("/:id/items", h.addItems)
	router.Post("/:id/items/upload", h.upload)
	router.Post("/:id/run", h.run)
	router.Post("/:id/cancel", h.cancel)
	router.Delete("/:id", h.discard)
	router.Get("/:id/status", h.status)
	router.Get("/:id/results", h.results)
	router.Get("/:id/ws", h.upgrade, websocket.New(h.stream))
}

func (h *BatchGradingHandler) create(c *fiber.Ctx) error {
	var payload dto.CreateBatchRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	response, err := h.service.Create(requestContext(c), payload, userIDStringFromContext(c))
	if err != nil {
		return handleError(c, h.logger, err, "failed to create batch")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "batch created", response)
}

func (h *BatchGradingHandler) addItems(c *fiber.Ctx) error {
	var payload dto.AddItemsRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	response, err := h.service.AddItems(requestContext(c), c.Params("id"), payload)
	if err != nil {
		return handleError(c, h.logger, err, "failed to add batch items")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "batch items added", response)
}

func (h *BatchGradingHandler) upload(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "file is required")
	}

	response, err := h.service.Upload(requestContext(c), c.Params("id"), c.FormValue("item_id"), file)
	if err != nil {
		return handleError(c, h.logger, err, "failed to upload batch item")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "batch item uploaded", response)
}

func (h *BatchGradingHandler) run(c *fiber.Ctx) error {
	wait, err := parseQueryBool(c, "wait")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid wait flag")
	}

	response, err := h.service.Run(requestContext(c), c.Params("id"), wait)
	if err != nil {
		return handleError(c, h.logger, err, "failed to run batch")
	}

	if wait {
		return utils.SendSuccess(c, "batch run finished", response)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "batch run started", response)
}

func (h *BatchGradingHandler) cancel(c *fiber.Ctx) error {
	response, err := h.service.Cancel(requestContext(c), c.Params("id"))
	if err != nil {
		return handleError(c, h.logger, err, "failed to cancel batch")
	}

	return utils.SendSuccess(c, "batch cancellation requested", response)
}

func (h *BatchGradingHandler) discard(c *fiber.Ctx) error {
	if err := h.service.Discard(requestContext(c), c.Params("id")); err != nil {
		return handleError(c, h.logger, err, "failed to discard batch")
	}

	return utils.SendSuccess(c, "batch discarded", nil)
}

func (h *BatchGradingHandler) status(c *fiber.Ctx) error {
	response, err := h.service.Status(requestContext(c), c.Params("id"))
	if err != nil {
		return handleError(c, h.logger, err, "failed to load batch status")
	}

	return utils.SendSuccess(c, "batch status", response)
}

func (h *BatchGradingHandler) results(c *fiber.Ctx) error {
	response, err := h.service.Results(requestContext(c), c.Params("id"))
	if err != nil {
		return handleError(c, h.logger, err, "failed to load batch results")
	}

	return utils.SendSuccess(c, "batch results", response)
}

func (h *BatchGradingHandler) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	status, err := h.service.Status(requestContext(c), c.Params("id"))
	if err != nil {
		return handleError(c, h.logger, err, "failed to load batch status")
	}

	c.Locals("batch_status", status)
	return c.Next()
}

func (h *BatchGradingHandler) stream(conn *websocket.Conn) {
	batchID := strings.TrimSpace(conn.Params("id"))
	logger := h.logger.With().Str("batch_id", batchID).Logger()

	events, cleanup := h.events.Subscribe(batchID)
	defer cleanup()

	snapshot := dto.BatchEventResponse{Type: EventBatchSnapshot, BatchID: batchID, At: time.Now().UTC()}
	if status, ok := conn.Locals("batch_status").(dto.BatchStatusResponse); ok {
		snapshot.State = status.State
		snapshot.Items = status.Total
	}
	if err := h.write(conn, snapshot); err != nil {
		logger.Debug().Err(err).Msg("failed to write batch snapshot")
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	logger.Info().Msg("batch stream connected")
	defer logger.Info().Msg("batch stream disconnected")

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := h.write(conn, event); err != nil {
				logger.Debug().Err(err).Msg("failed to write batch event")
				return
			}
			if streamFinished(event) {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, event.Type))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (h *BatchGradingHandler) write(conn *websocket.Conn, event dto.BatchEventResponse) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(event)
}

func streamFinished(event dto.BatchEventResponse) bool {
	switch event.Type {
	case string(grading.EventBatchDiscarded):
		return true
	case string(grading.EventBatchState):
		return event.State == string(grading.BatchCompleted)
	default:
		return false
	}
}
