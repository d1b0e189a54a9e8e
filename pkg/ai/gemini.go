package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
)

// GeminiConfig defines configuration options for the Gemini client.
type GeminiConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int32
	Temperature float32
	Logger      zerolog.Logger
}

// GeminiInferer implements Inferer on top of the Gemini generative API.
type GeminiInferer struct {
	client *genai.Client
	cfg    GeminiConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewGeminiInferer opens a Gemini client. Call Close when done.
func NewGeminiInferer(ctx context.Context, cfg GeminiConfig) (*GeminiInferer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &GeminiInferer{
		client: client,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/HumNoi1/Projects/pkg/ai/gemini"),
		logger: logger.With().Str("component", "gemini_inferer").Logger(),
	}, nil
}

// Name returns provider and model.
func (g *GeminiInferer) Name() string {
	return "gemini:" + g.cfg.Model
}

// Infer generates content for a single prompt.
func (g *GeminiInferer) Infer(parent context.Context, req InferRequest) (string, error) {
	ctx, span := g.tracer.Start(parent, "gemini.infer", trace.WithAttributes(
		attribute.String("model", g.cfg.Model),
	))
	defer span.End()

	temperature := g.cfg.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := g.cfg.MaxTokens

	m := g.client.GenerativeModel(g.cfg.Model)
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:      &temperature,
		MaxOutputTokens:  &maxTokens,
		ResponseMIMEType: "application/json",
	}
	if req.SystemPrompt != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.SystemPrompt)},
		}
	}

	start := time.Now()
	resp, err := m.GenerateContent(ctx, genai.Text(req.Prompt))
	inferDuration.WithLabelValues("gemini", g.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		return "", g.fail(span, fmt.Errorf("gemini infer: %w", err))
	}

	text := strings.TrimSpace(firstText(resp))
	if text == "" {
		return "", g.fail(span, errors.New("empty response returned from gemini"))
	}
	g.logger.Debug().Int("length", len(text)).Msg("inference completed")
	return text, nil
}

// Close releases the underlying connection.
func (g *GeminiInferer) Close() error {
	return g.client.Close()
}

func (g *GeminiInferer) fail(span trace.Span, err error) error {
	inferFailures.WithLabelValues("gemini", g.cfg.Model).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}
