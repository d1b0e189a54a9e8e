package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/HumNoi1/Projects/internal/dto"
	"github.com/HumNoi1/Projects/internal/grading"
	"github.com/HumNoi1/Projects/internal/models"
	"github.com/HumNoi1/Projects/internal/repository"
)

const (
	defaultMaxUploadBytes = 1 << 20
	maxItemIDLength       = 128
	interruptedMessage    = "grading interrupted by a restart"
)

var (
	// ErrUploadEmpty is returned for an upload without content.
	ErrUploadEmpty = errors.New("uploaded answer is empty")
	// ErrUploadTooLarge is returned when an upload exceeds the configured size.
	ErrUploadTooLarge = errors.New("uploaded answer exceeds size limit")
	// ErrUploadNotText is returned when an upload is not a plain text document.
	ErrUploadNotText = errors.New("uploaded answer must be plain text")
	// ErrUploadItemIDTooLong is returned when the item id, given or taken
	// from the file name, exceeds 128 characters.
	ErrUploadItemIDTooLong = errors.New("item id must be at most 128 characters")
)

// BatchGradingService manages batches of answers graded against one rubric.
type BatchGradingService interface {
	Create(ctx context.Context, payload dto.CreateBatchRequest, createdBy string) (dto.BatchItemsResponse, error)
	AddItems(ctx context.Context, batchID string, payload dto.AddItemsRequest) (dto.BatchItemsResponse, error)
	Upload(ctx context.Context, batchID, itemID string, file *multipart.FileHeader) (dto.BatchItemsResponse, error)
	Run(ctx context.Context, batchID string, wait bool) (dto.BatchStatusResponse, error)
	Cancel(ctx context.Context, batchID string) (dto.BatchStatusResponse, error)
	Discard(ctx context.Context, batchID string) error
	Status(ctx context.Context, batchID string) (dto.BatchStatusResponse, error)
	Results(ctx context.Context, batchID string) (dto.BatchResultsResponse, error)
	Recover(ctx context.Context) (int, error)
}

// BatchGradingConfig tunes the batch service.
type BatchGradingConfig struct {
	ConfidenceThreshold float64
	DefaultMaxRetries   int
	MaxUploadBytes      int64
}

type batchGradingService struct {
	coordinator *grading.Coordinator
	repo        repository.GradingBatchRepository
	cfg         BatchGradingConfig
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
	tracer      trace.Tracer
}

// NewBatchGradingService wires the coordinator with the persisted batch
// mirror, which answers status and results for batches this process no
// longer holds in memory. repo may be nil.
func NewBatchGradingService(coordinator *grading.Coordinator, repo repository.GradingBatchRepository, cfg BatchGradingConfig, validate *validator.Validate, logger zerolog.Logger) BatchGradingService {
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = grading.DefaultMaxRetries
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}

	return &batchGradingService{
		coordinator: coordinator,
		repo:        repo,
		cfg:         cfg,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		logger:      logger.With().Str("component", "batch_grading_service").Logger(),
		tracer:      otel.Tracer("github.com/HumNoi1/Projects/internal/service/batch"),
	}
}

func (s *batchGradingService) Create(ctx context.Context, payload dto.CreateBatchRequest, createdBy string) (dto.BatchItemsResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.BatchItemsResponse{}, err
	}

	spec := grading.BatchSpec{
		ReferenceAnswer: payload.ReferenceAnswer,
		Criteria:        dto.ToCriteria(payload.Criteria),
		Language:        strings.TrimSpace(payload.Language),
		MaxRetries:      s.cfg.DefaultMaxRetries,
	}
	if payload.MaxRetries != nil {
		spec.MaxRetries = *payload.MaxRetries
	}
	if err := grading.ValidateCriteria(spec.Criteria); err != nil {
		return dto.BatchItemsResponse{}, err
	}
	if strings.TrimSpace(spec.ReferenceAnswer) == "" {
		return dto.BatchItemsResponse{}, &grading.InvalidRequestError{Reason: "reference answer is empty"}
	}

	ctx = ContextWithRequester(ctx, createdBy)
	batchID, err := s.coordinator.CreateBatch(ctx, spec)
	if err != nil {
		return dto.BatchItemsResponse{}, err
	}

	response := dto.BatchItemsResponse{BatchID: batchID, ItemIDs: []string{}}
	if len(payload.Items) == 0 {
		return response, nil
	}

	accepted, err := s.coordinator.AddItems(ctx, batchID, dto.ToAnswerItems(payload.Items))
	if err != nil {
		if discardErr := s.coordinator.Discard(ctx, batchID); discardErr != nil {
			s.logger.Warn().Err(discardErr).Str("batch_id", batchID).Msg("failed to discard rejected batch")
		}
		return dto.BatchItemsResponse{}, err
	}

	response.ItemIDs = itemIDs(accepted)
	return response, nil
}

func (s *batchGradingService) AddItems(ctx context.Context, batchID string, payload dto.AddItemsRequest) (dto.BatchItemsResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.BatchItemsResponse{}, err
	}

	accepted, err := s.coordinator.AddItems(ctx, batchID, dto.ToAnswerItems(payload.Items))
	if err != nil {
		return dto.BatchItemsResponse{}, err
	}

	return dto.BatchItemsResponse{BatchID: batchID, ItemIDs: itemIDs(accepted)}, nil
}

// Upload adds one item read from a plain text file. Without an explicit id
// the file name stem is used.
func (s *batchGradingService) Upload(ctx context.Context, batchID, itemID string, file *multipart.FileHeader) (dto.BatchItemsResponse, error) {
	ctx, span := s.tracer.Start(ctx, "batches.upload", trace.WithAttributes(
		attribute.String("batch.id", batchID),
		attribute.Int64("upload.size_bytes", file.Size),
	))
	defer span.End()

	if file.Size > s.cfg.MaxUploadBytes {
		span.SetStatus(codes.Error, "payload too large")
		return dto.BatchItemsResponse{}, ErrUploadTooLarge
	}

	handle, err := file.Open()
	if err != nil {
		span.RecordError(err)
		return dto.BatchItemsResponse{}, err
	}
	defer handle.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, io.LimitReader(handle, s.cfg.MaxUploadBytes+1)); err != nil {
		span.RecordError(err)
		return dto.BatchItemsResponse{}, err
	}
	if int64(buf.Len()) > s.cfg.MaxUploadBytes {
		span.SetStatus(codes.Error, "payload too large")
		return dto.BatchItemsResponse{}, ErrUploadTooLarge
	}

	content := strings.TrimSpace(buf.String())
	if content == "" {
		span.SetStatus(codes.Error, "empty upload")
		return dto.BatchItemsResponse{}, ErrUploadEmpty
	}

	detected := mimetype.Detect(buf.Bytes())
	span.SetAttributes(attribute.String("upload.detected_mime", detected.String()))
	if !isPlainText(detected) || !utf8.ValidString(content) {
		span.SetStatus(codes.Error, "type not allowed")
		return dto.BatchItemsResponse{}, ErrUploadNotText
	}

	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		itemID = strings.TrimSuffix(filepath.Base(file.Filename), filepath.Ext(file.Filename))
	}
	if utf8.RuneCountInString(itemID) > maxItemIDLength {
		span.SetStatus(codes.Error, "item id too long")
		return dto.BatchItemsResponse{}, ErrUploadItemIDTooLong
	}

	accepted, err := s.coordinator.AddItems(ctx, batchID, []grading.AnswerItem{{ID: itemID, Content: content}})
	if err != nil {
		span.RecordError(err)
		return dto.BatchItemsResponse{}, err
	}

	span.SetStatus(codes.Ok, "added")
	return dto.BatchItemsResponse{BatchID: batchID, ItemIDs: itemIDs(accepted)}, nil
}

// Run grades pending items. With wait it blocks until the run ends; otherwise
// the run continues in the background and the current snapshot is returned.
func (s *batchGradingService) Run(ctx context.Context, batchID string, wait bool) (dto.BatchStatusResponse, error) {
	if wait {
		status, err := s.coordinator.RunBatch(ctx, batchID)
		if err != nil {
			return dto.BatchStatusResponse{}, err
		}
		return dto.NewBatchStatusResponse(status, s.coordinator.Running(batchID)), nil
	}

	if err := s.coordinator.Start(ctx, batchID); err != nil {
		return dto.BatchStatusResponse{}, err
	}
	return s.Status(ctx, batchID)
}

func (s *batchGradingService) Cancel(ctx context.Context, batchID string) (dto.BatchStatusResponse, error) {
	if err := s.coordinator.Cancel(ctx, batchID); err != nil {
		return dto.BatchStatusResponse{}, err
	}
	return s.Status(ctx, batchID)
}

func (s *batchGradingService) Discard(ctx context.Context, batchID string) error {
	err := s.coordinator.Discard(ctx, batchID)
	if grading.KindOf(err) != grading.KindUnknownBatch || s.repo == nil {
		return err
	}

	if _, getErr := s.repo.Get(ctx, batchID); getErr != nil {
		if errors.Is(getErr, gorm.ErrRecordNotFound) {
			return err
		}
		return getErr
	}
	return s.repo.Delete(ctx, batchID)
}

func (s *batchGradingService) Status(ctx context.Context, batchID string) (dto.BatchStatusResponse, error) {
	status, err := s.coordinator.Status(batchID)
	if err == nil {
		return dto.NewBatchStatusResponse(status, s.coordinator.Running(batchID)), nil
	}

	batch, fallbackErr := s.fallback(ctx, batchID, err)
	if fallbackErr != nil {
		return dto.BatchStatusResponse{}, fallbackErr
	}
	return dto.NewBatchStatusFromModel(batch), nil
}

func (s *batchGradingService) Results(ctx context.Context, batchID string) (dto.BatchResultsResponse, error) {
	status, err := s.coordinator.Status(batchID)
	if err != nil {
		return s.persistedResults(ctx, batchID, err)
	}

	outcomes, err := s.coordinator.Results(batchID)
	if err != nil {
		return dto.BatchResultsResponse{}, err
	}

	items := make([]dto.BatchItemResult, 0, len(outcomes))
	for _, outcome := range outcomes {
		items = append(items, s.sanitize(dto.NewBatchItemResult(outcome, s.cfg.ConfidenceThreshold)))
	}

	return dto.BatchResultsResponse{
		BatchID: batchID,
		State:   string(status.State),
		Items:   items,
	}, nil
}

func (s *batchGradingService) persistedResults(ctx context.Context, batchID string, cause error) (dto.BatchResultsResponse, error) {
	batch, err := s.fallback(ctx, batchID, cause)
	if err != nil {
		return dto.BatchResultsResponse{}, err
	}

	items := make([]dto.BatchItemResult, 0, len(batch.Items))
	for _, item := range batch.Items {
		if !grading.ItemState(item.State).Terminal() {
			continue
		}
		items = append(items, s.sanitize(dto.NewBatchItemResultFromModel(item, s.cfg.ConfidenceThreshold)))
	}

	return dto.BatchResultsResponse{
		BatchID: batch.ID,
		State:   batch.State,
		Items:   items,
	}, nil
}

// fallback reads the persisted mirror when the coordinator does not know the
// batch. Any other coordinator error, or a batch missing from both, returns cause.
func (s *batchGradingService) fallback(ctx context.Context, batchID string, cause error) (models.GradingBatch, error) {
	if grading.KindOf(cause) != grading.KindUnknownBatch || s.repo == nil {
		return models.GradingBatch{}, cause
	}

	batch, err := s.repo.Get(ctx, batchID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.GradingBatch{}, cause
		}
		return models.GradingBatch{}, err
	}

	s.logger.Debug().Str("batch_id", batchID).Msg("serving batch from persisted mirror")
	return batch, nil
}

// Recover runs once at startup. Items a previous process left processing are
// failed as cancelled, its running batches become cancelled, and every batch
// that has not completed is loaded back so it can be run, cancelled or
// extended again. It returns the number of batches loaded.
func (s *batchGradingService) Recover(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}

	interrupted, err := s.repo.CloseInterrupted(ctx, repository.Interruption{
		ItemState:        string(grading.ItemProcessing),
		ItemFailedState:  string(grading.ItemFailed),
		BatchState:       string(grading.BatchRunning),
		BatchClosedState: string(grading.BatchCancelled),
		ErrorKind:        string(grading.KindCancelled),
		ErrorMessage:     interruptedMessage,
		At:               time.Now().UTC(),
	})
	if err != nil {
		return 0, err
	}

	batches, err := s.repo.ListOpen(ctx, string(grading.BatchCompleted))
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, batch := range batches {
		if err := s.coordinator.Restore(dto.ToBatchSnapshot(batch)); err != nil {
			s.logger.Warn().Err(err).Str("batch_id", batch.ID).Msg("failed to restore batch")
			continue
		}
		restored++
	}

	s.logger.Info().Int64("interrupted_items", interrupted).Int("batches", restored).Msg("persisted batches recovered")
	return restored, nil
}

func (s *batchGradingService) sanitize(result dto.BatchItemResult) dto.BatchItemResult {
	if result.Feedback != "" {
		result.Feedback = strings.TrimSpace(s.sanitizer.Sanitize(result.Feedback))
	}
	return result
}

func isPlainText(detected *mimetype.MIME) bool {
	for mime := detected; mime != nil; mime = mime.Parent() {
		if mime.Is("text/plain") {
			return true
		}
	}
	return false
}

func itemIDs(items []grading.AnswerItem) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}
