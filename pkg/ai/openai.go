package ai

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	inferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grader",
		Subsystem: "ai",
		Name:      "inference_duration_seconds",
		Help:      "Duration of inference requests",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
	}, []string{"provider", "model"})

	inferFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "ai",
		Name:      "inference_failures_total",
		Help:      "Number of failed inference requests",
	}, []string{"provider", "model"})
)

// OpenAIConfig defines configuration options for OpenAI-compatible chat APIs.
// Provider labels metrics and the evaluator id and defaults to "openai".
// BaseURL points the client at another compatible server such as LM Studio.
// JSONMode asks for a JSON object response, which local servers often reject.
type OpenAIConfig struct {
	Provider    string
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	JSONMode    bool
	Logger      zerolog.Logger
}

// OpenAIInferer implements Inferer against the chat completion API.
type OpenAIInferer struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIInferer builds a client from cfg. An API key is required unless a
// custom base URL is configured.
func NewOpenAIInferer(cfg OpenAIConfig) (*OpenAIInferer, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return &OpenAIInferer{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/HumNoi1/Projects/pkg/ai/openai"),
		logger: logger.With().Str("component", "openai_inferer").Logger(),
	}, nil
}

// Name returns provider and model.
func (e *OpenAIInferer) Name() string {
	return e.cfg.Provider + ":" + e.cfg.Model
}

// Infer sends one chat completion request and returns the first choice's text.
func (e *OpenAIInferer) Infer(parent context.Context, req InferRequest) (string, error) {
	ctx, span := e.tracer.Start(parent, "openai.infer", trace.WithAttributes(
		attribute.String("provider", e.cfg.Provider),
		attribute.String("model", e.cfg.Model),
	))
	defer span.End()

	temperature := e.cfg.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	// The client drops a zero temperature from the request body.
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	request := openai.ChatCompletionRequest{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: temperature,
		Messages:    messages,
	}
	if e.cfg.JSONMode {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	start := time.Now()
	resp, err := e.client.CreateChatCompletion(ctx, request)
	inferDuration.WithLabelValues(e.cfg.Provider, e.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		return "", e.fail(span, fmt.Errorf("%s infer: %w", e.cfg.Provider, err))
	}

	if len(resp.Choices) == 0 {
		return "", e.fail(span, fmt.Errorf("no choices returned from %s", e.cfg.Provider))
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", e.fail(span, fmt.Errorf("empty completion returned from %s", e.cfg.Provider))
	}

	span.SetAttributes(attribute.Int("usage.total_tokens", resp.Usage.TotalTokens))
	e.logger.Debug().Int("total_tokens", resp.Usage.TotalTokens).Msg("inference completed")
	return content, nil
}

func (e *OpenAIInferer) fail(span trace.Span, err error) error {
	inferFailures.WithLabelValues(e.cfg.Provider, e.cfg.Model).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
