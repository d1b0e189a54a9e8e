package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/HumNoi1/Projects/internal/dto"
	"github.com/HumNoi1/Projects/internal/grading"
	"github.com/HumNoi1/Projects/internal/models"
	"github.com/HumNoi1/Projects/internal/observability"
	"github.com/HumNoi1/Projects/internal/repository"
)

const gradingCachePrefix = "grading:result:"

// ErrGradingRecordNotFound is returned when a stored grading does not exist.
var ErrGradingRecordNotFound = errors.New("grading record not found")

// GradingService grades single answers and serves stored results.
type GradingService interface {
	Grade(ctx context.Context, payload dto.GradeRequest, requestedBy string) (dto.GradeResponse, error)
	GetRecord(ctx context.Context, id string) (dto.GradeResponse, error)
}

// GradingServiceConfig tunes the single grading service.
type GradingServiceConfig struct {
	ConfidenceThreshold float64
	DefaultMaxRetries   int
	CacheTTL            time.Duration
}

type gradingService struct {
	grader    grading.ItemGrader
	records   repository.GradingRecordRepository
	cache     *redis.Client
	cfg       GradingServiceConfig
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
	newID     func() string
}

// NewGradingService wires the grading engine, persistence and the result cache.
func NewGradingService(grader grading.ItemGrader, records repository.GradingRecordRepository, cache *redis.Client, cfg GradingServiceConfig, validate *validator.Validate, logger zerolog.Logger) GradingService {
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = grading.DefaultMaxRetries
	}

	return &gradingService{
		grader:    grader,
		records:   records,
		cache:     cache,
		cfg:       cfg,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "grading_service").Logger(),
		tracer:    otel.Tracer("github.com/HumNoi1/Projects/internal/service/grading"),
		newID:     uuid.NewString,
	}
}

func (s *gradingService) Grade(ctx context.Context, payload dto.GradeRequest, requestedBy string) (dto.GradeResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.GradeResponse{}, err
	}

	req := grading.Request{
		ReferenceAnswer: payload.ReferenceAnswer,
		StudentAnswer:   payload.StudentAnswer,
		Criteria:        dto.ToCriteria(payload.Criteria),
		Language:        strings.TrimSpace(payload.Language),
		MaxRetries:      s.cfg.DefaultMaxRetries,
	}
	if payload.MaxRetries != nil {
		req.MaxRetries = *payload.MaxRetries
	}
	if err := grading.ValidateRequest(req); err != nil {
		return dto.GradeResponse{}, err
	}

	digest := requestDigest(req)
	ctx, span := s.tracer.Start(ctx, "grading.single", trace.WithAttributes(
		attribute.String("grading.digest", digest),
		attribute.Int("grading.criteria", len(req.Criteria)),
	))
	defer span.End()

	if cached, ok := s.lookup(ctx, digest); ok {
		span.SetAttributes(attribute.Bool("grading.cached", true))
		return cached, nil
	}

	result, err := s.grader.Grade(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(grading.KindOf(err)))
		return dto.GradeResponse{}, err
	}

	meets := grading.MeetsConfidence(result, s.cfg.ConfidenceThreshold)
	if !meets {
		s.logger.Warn().
			Str("digest", digest).
			Float64("confidence", result.ConfidenceScore).
			Float64("threshold", s.cfg.ConfidenceThreshold).
			Msg("grading confidence below threshold")
	}

	record := models.GradingRecord{
		ID:              s.newID(),
		RequestHash:     digest,
		ReferenceAnswer: req.ReferenceAnswer,
		StudentAnswer:   req.StudentAnswer,
		Criteria:        dto.EncodeCriteria(req.Criteria),
		Language:        req.Language,
		TotalScore:      result.TotalScore,
		CriteriaScores:  dto.ScoresToJSONMap(result.CriteriaScores),
		Feedback:        result.Feedback,
		ConfidenceScore: result.ConfidenceScore,
		MeetsThreshold:  meets,
		EvaluatorID:     result.EvaluatorID,
		ProducedAt:      result.ProducedAt,
		RequestedBy:     requestedBy,
	}
	if err := s.records.Create(ctx, &record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		return dto.GradeResponse{}, err
	}

	response := s.sanitize(dto.NewGradeResponse(record))
	s.store(ctx, digest, response)
	span.SetStatus(codes.Ok, "graded")
	return response, nil
}

func (s *gradingService) GetRecord(ctx context.Context, id string) (dto.GradeResponse, error) {
	record, err := s.records.GetByID(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.GradeResponse{}, ErrGradingRecordNotFound
		}
		return dto.GradeResponse{}, err
	}

	return s.sanitize(dto.NewGradeResponse(record)), nil
}

func (s *gradingService) sanitize(response dto.GradeResponse) dto.GradeResponse {
	response.Feedback = strings.TrimSpace(s.sanitizer.Sanitize(response.Feedback))
	return response
}

func (s *gradingService) lookup(ctx context.Context, digest string) (dto.GradeResponse, bool) {
	if s.cache == nil {
		return dto.GradeResponse{}, false
	}

	cached, err := s.cache.Get(ctx, gradingCachePrefix+digest).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			observability.GradingCache().WithLabelValues("miss").Inc()
		} else {
			observability.GradingCache().WithLabelValues("error").Inc()
			s.logger.Warn().Err(err).Msg("failed to read grading cache")
		}
		return dto.GradeResponse{}, false
	}

	var response dto.GradeResponse
	if err := json.Unmarshal([]byte(cached), &response); err != nil {
		observability.GradingCache().WithLabelValues("error").Inc()
		s.logger.Warn().Err(err).Msg("invalid grading cache entry")
		return dto.GradeResponse{}, false
	}

	observability.GradingCache().WithLabelValues("hit").Inc()
	s.logger.Debug().Str("digest", digest).Msg("grading cache hit")
	response.Cached = true
	return response, true
}

func (s *gradingService) store(ctx context.Context, digest string, response dto.GradeResponse) {
	if s.cache == nil || s.cfg.CacheTTL <= 0 {
		return
	}

	payload, err := json.Marshal(response)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, gradingCachePrefix+digest, payload, s.cfg.CacheTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to store grading cache")
	}
}

// requestDigest identifies a request by everything that shapes the prompt.
func requestDigest(req grading.Request) string {
	payload, _ := json.Marshal(struct {
		Reference string              `json:"r"`
		Student   string              `json:"s"`
		Criteria  []grading.Criterion `json:"c"`
		Language  string              `json:"l"`
	}{req.ReferenceAnswer, req.StudentAnswer, req.Criteria, req.Language})

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
