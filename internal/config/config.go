package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Supported inference providers.
const (
	ProviderOpenAI   = "openai"
	ProviderLMStudio = "lmstudio"
	ProviderGemini   = "gemini"
)

// Config holds runtime configuration values for the grading service.
type Config struct {
	AppName             string
	AppEnv              string
	AppPort             string
	DatabaseURL         string
	RedisURL            string
	NATSURL             string
	JWTSecret           string
	AIProvider          string
	AIBaseURL           string
	AIModel             string
	AIMaxTokens         int
	AITemperature       float32
	AITimeout           time.Duration
	OpenAIAPIKey        string
	GeminiAPIKey        string
	MaxRetries          int
	Workers             int
	ConfidenceThreshold float64
	MaxAnswerChars      int
	GradingCacheTTL     time.Duration
	EventsChannel       string
	GradeRateLimit      int
	GradeRateWindow     time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GRADER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Auto Grading API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("ai.provider", ProviderOpenAI)
	v.SetDefault("ai.max_tokens", 1024)
	v.SetDefault("ai.temperature", 0.3)
	v.SetDefault("ai.timeout", "60s")
	v.SetDefault("grading.max_retries", 2)
	v.SetDefault("grading.workers", 4)
	v.SetDefault("grading.confidence_threshold", 0.7)
	v.SetDefault("grading.max_answer_chars", 12000)
	v.SetDefault("grading.cache_ttl", "10m")
	v.SetDefault("grading.rate_limit", 30)
	v.SetDefault("grading.rate_window", "1m")
	v.SetDefault("events.channel", "grader:batches")

	timeout, err := parseDuration(v, "ai.timeout", 60*time.Second)
	if err != nil {
		return Config{}, err
	}
	cacheTTL, err := parseDuration(v, "grading.cache_ttl", 10*time.Minute)
	if err != nil {
		return Config{}, err
	}
	rateWindow, err := parseDuration(v, "grading.rate_window", time.Minute)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:             v.GetString("app.name"),
		AppEnv:              v.GetString("app.env"),
		AppPort:             v.GetString("app.port"),
		DatabaseURL:         v.GetString("database.url"),
		RedisURL:            v.GetString("redis.url"),
		NATSURL:             v.GetString("nats.url"),
		JWTSecret:           v.GetString("jwt.secret"),
		AIProvider:          strings.ToLower(strings.TrimSpace(v.GetString("ai.provider"))),
		AIBaseURL:           v.GetString("ai.base_url"),
		AIModel:             v.GetString("ai.model"),
		AIMaxTokens:         v.GetInt("ai.max_tokens"),
		AITemperature:       float32(v.GetFloat64("ai.temperature")),
		AITimeout:           timeout,
		OpenAIAPIKey:        v.GetString("openai_api_key"),
		GeminiAPIKey:        v.GetString("gemini_api_key"),
		MaxRetries:          v.GetInt("grading.max_retries"),
		Workers:             v.GetInt("grading.workers"),
		ConfidenceThreshold: v.GetFloat64("grading.confidence_threshold"),
		MaxAnswerChars:      v.GetInt("grading.max_answer_chars"),
		GradingCacheTTL:     cacheTTL,
		EventsChannel:       v.GetString("events.channel"),
		GradeRateLimit:      v.GetInt("grading.rate_limit"),
		GradeRateWindow:     rateWindow,
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	switch cfg.AIProvider {
	case ProviderOpenAI, ProviderGemini:
	case ProviderLMStudio:
		if cfg.AIBaseURL == "" {
			cfg.AIBaseURL = "http://localhost:1234/v1"
		}
	default:
		return Config{}, fmt.Errorf("unsupported ai provider %q", cfg.AIProvider)
	}

	if cfg.AIModel == "" {
		cfg.AIModel = defaultModel(cfg.AIProvider)
	}
	if cfg.AIMaxTokens <= 0 {
		cfg.AIMaxTokens = 1024
	}
	// Zero is kept and means deterministic sampling for every provider.
	if cfg.AITemperature < 0 || cfg.AITemperature > 2 {
		cfg.AITemperature = 0.3
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 2
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		cfg.ConfidenceThreshold = 0.7
	}
	if cfg.MaxAnswerChars <= 0 {
		cfg.MaxAnswerChars = 12000
	}
	if cfg.GradeRateLimit <= 0 {
		cfg.GradeRateLimit = 30
	}

	return cfg, nil
}

func defaultModel(provider string) string {
	switch provider {
	case ProviderGemini:
		return "gemini-1.5-flash"
	case ProviderLMStudio:
		return "local-model"
	default:
		return "gpt-4o-mini"
	}
}

func parseDuration(v *viper.Viper, key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return fallback, nil
	}
	return d, nil
}
