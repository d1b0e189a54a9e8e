package grading

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/HumNoi1/Projects/internal/observability"
	"github.com/HumNoi1/Projects/pkg/ai"
)

const (
	defaultCallTimeout    = 60 * time.Second
	defaultMaxAnswerChars = 12000
)

// GraderConfig tunes a Grader.
type GraderConfig struct {
	// CallTimeout bounds each inference call.
	CallTimeout time.Duration

	// Temperature is passed to every call when set.
	Temperature *float32

	// MaxAnswerChars truncates reference and student answers before prompting.
	MaxAnswerChars int
}

// Grader turns one Request into a validated Result, retrying the whole
// prompt, call, extract and validate cycle on failure. A Grader is safe for
// concurrent use; every call keeps its own attempt state.
type Grader struct {
	inferer ai.Inferer
	cfg     GraderConfig
	logger  zerolog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewGrader constructs a Grader on top of an inference client.
func NewGrader(inferer ai.Inferer, cfg GraderConfig, logger zerolog.Logger) *Grader {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.MaxAnswerChars <= 0 {
		cfg.MaxAnswerChars = defaultMaxAnswerChars
	}

	return &Grader{
		inferer: inferer,
		cfg:     cfg,
		logger:  logger.With().Str("component", "grader").Logger(),
		tracer:  otel.Tracer("github.com/HumNoi1/Projects/internal/grading"),
		now:     time.Now,
	}
}

// EvaluatorID identifies the model producing results.
func (g *Grader) EvaluatorID() string {
	return g.inferer.Name()
}

// Grade runs at most MaxRetries+1 attempts. Rubric and request problems fail
// immediately without calling the model. When every attempt fails the
// returned *GradingFailedError carries the attempt count and the last cause.
// If ctx is cancelled between attempts a *CancelledError is returned; a call
// already in flight is allowed to finish within CallTimeout.
func (g *Grader) Grade(ctx context.Context, req Request) (Result, error) {
	ctx, span := g.tracer.Start(ctx, "grading.grade", trace.WithAttributes(
		attribute.Int("criteria", len(req.Criteria)),
		attribute.Int("max_retries", req.MaxRetries),
	))
	defer span.End()

	start := time.Now()
	result, err := g.grade(ctx, req, span)
	outcome := "success"
	if err != nil {
		outcome = string(KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	observability.GradingDuration().WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return result, err
}

func (g *Grader) grade(ctx context.Context, req Request, span trace.Span) (Result, error) {
	if err := ValidateCriteria(req.Criteria); err != nil {
		return Result{}, err
	}
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}

	prepared := req
	prepared.ReferenceAnswer = PrepareContent(req.ReferenceAnswer, g.cfg.MaxAnswerChars)
	prepared.StudentAnswer = PrepareContent(req.StudentAnswer, g.cfg.MaxAnswerChars)

	attempts := req.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			g.logger.Info().Int("attempt", attempt).Msg("grading cancelled before attempt")
			return Result{}, &CancelledError{Err: err}
		}

		result, err := g.attempt(ctx, prepared)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt))
			observability.GradingAttempts().WithLabelValues("success").Inc()
			g.logger.Debug().
				Int("attempt", attempt).
				Float64("total_score", result.TotalScore).
				Float64("confidence", result.ConfidenceScore).
				Msg("grading attempt succeeded")
			return result, nil
		}

		lastErr = err
		observability.GradingAttempts().WithLabelValues(string(KindOf(err))).Inc()
		g.logger.Warn().
			Err(err).
			Str("kind", string(KindOf(err))).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Msg("grading attempt failed")
	}

	span.SetAttributes(attribute.Int("attempts", attempts))
	return Result{}, &GradingFailedError{Attempts: attempts, LastError: lastErr}
}

func (g *Grader) attempt(ctx context.Context, req Request) (Result, error) {
	prompt := BuildPrompt(req)

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.CallTimeout)
	defer cancel()

	raw, err := g.inferer.Infer(callCtx, ai.InferRequest{
		Prompt:       prompt.User,
		SystemPrompt: prompt.System,
		Temperature:  g.cfg.Temperature,
	})
	if err != nil {
		return Result{}, &InferenceError{Err: err}
	}

	payload, err := ExtractPayload(raw)
	if err != nil {
		return Result{}, err
	}

	return ValidateResult(payload, req.Criteria, g.inferer.Name(), g.now().UTC())
}

func validateRequest(req Request) error {
	switch {
	case strings.TrimSpace(req.ReferenceAnswer) == "":
		return &InvalidRequestError{Reason: "reference answer is empty"}
	case strings.TrimSpace(req.StudentAnswer) == "":
		return &InvalidRequestError{Reason: "student answer is empty"}
	case req.MaxRetries < 0:
		return &InvalidRequestError{Reason: "max retries must not be negative"}
	}
	return nil
}

// ValidateRequest checks a request without grading it.
func ValidateRequest(req Request) error {
	if err := ValidateCriteria(req.Criteria); err != nil {
		return err
	}
	return validateRequest(req)
}
