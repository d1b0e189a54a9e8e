package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/HumNoi1/Projects/internal/config"
	"github.com/HumNoi1/Projects/internal/database"
	"github.com/HumNoi1/Projects/internal/grading"
	"github.com/HumNoi1/Projects/internal/handler"
	"github.com/HumNoi1/Projects/internal/middleware"
	"github.com/HumNoi1/Projects/internal/models"
	"github.com/HumNoi1/Projects/internal/repository"
	"github.com/HumNoi1/Projects/internal/router"
	"github.com/HumNoi1/Projects/internal/service"
	"github.com/HumNoi1/Projects/pkg/ai"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.AppEnv == "development" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&models.GradingRecord{}, &models.GradingBatch{}, &models.GradingBatchItem{}); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	} else {
		logger.Warn().Msg("redis url not configured, grading cache and cross-node events disabled")
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
	}

	inferer, closeInferer, err := newInferer(context.Background(), cfg, logger)
	if err != nil {
		log.Fatalf("failed to create inference client: %v", err)
	}
	defer closeInferer()

	grader := grading.NewGrader(inferer, grading.GraderConfig{
		CallTimeout:    cfg.AITimeout,
		Temperature:    ai.Float32(cfg.AITemperature),
		MaxAnswerChars: cfg.MaxAnswerChars,
	}, logger)

	validate := validator.New(validator.WithRequiredStructEnabled())

	recordRepo := repository.NewGradingRecordRepository(db)
	batchRepo := repository.NewGradingBatchRepository(db)

	eventsCtx, stopEvents := context.WithCancel(context.Background())
	defer stopEvents()

	batchEvents := service.NewBatchEventService(redisClient, natsConn, cfg.EventsChannel, cfg.ConfidenceThreshold, logger)
	batchEvents.Start(eventsCtx)

	coordinator := grading.NewCoordinator(grader, grading.NewMemoryStore(), grading.CoordinatorConfig{Workers: cfg.Workers}, logger,
		service.NewBatchRecorder(batchRepo, logger), batchEvents)

	gradingService := service.NewGradingService(grader, recordRepo, redisClient, service.GradingServiceConfig{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		DefaultMaxRetries:   cfg.MaxRetries,
		CacheTTL:            cfg.GradingCacheTTL,
	}, validate, logger)
	batchService := service.NewBatchGradingService(coordinator, batchRepo, service.BatchGradingConfig{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		DefaultMaxRetries:   cfg.MaxRetries,
	}, validate, logger)

	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 30*time.Second)
	if _, err := batchService.Recover(recoverCtx); err != nil {
		logger.Error().Err(err).Msg("failed to recover persisted batches")
	}
	cancelRecover()

	gradingHandler := handler.NewGradingHandler(gradingService, middleware.RateLimit("grade", cfg.GradeRateLimit, cfg.GradeRateWindow), logger)
	batchHandler := handler.NewBatchGradingHandler(batchService, batchEvents, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		GradingHandler:      gradingHandler,
		BatchGradingHandler: batchHandler,
		JWTMiddleware:       middleware.JWTProtected(cfg.JWTSecret),
		Evaluator:           inferer.Name(),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	logger.Info().Str("address", cfg.HTTPAddress()).Str("evaluator", inferer.Name()).Msg("grading api started")

	waitForShutdown(app, coordinator, shutdownTimeout(cfg.AITimeout), logger)
}

// shutdownTimeout leaves room for an in-flight inference call to finish.
func shutdownTimeout(callTimeout time.Duration) time.Duration {
	timeout := 30 * time.Second
	if callTimeout+5*time.Second > timeout {
		timeout = callTimeout + 5*time.Second
	}
	return timeout
}

func newInferer(ctx context.Context, cfg config.Config, logger zerolog.Logger) (ai.Inferer, func(), error) {
	switch cfg.AIProvider {
	case config.ProviderGemini:
		inferer, err := ai.NewGeminiInferer(ctx, ai.GeminiConfig{
			APIKey:      cfg.GeminiAPIKey,
			Model:       cfg.AIModel,
			MaxTokens:   int32(cfg.AIMaxTokens),
			Temperature: cfg.AITemperature,
			Logger:      logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return inferer, func() { _ = inferer.Close() }, nil
	default:
		inferer, err := ai.NewOpenAIInferer(ai.OpenAIConfig{
			Provider:    cfg.AIProvider,
			APIKey:      cfg.OpenAIAPIKey,
			BaseURL:     cfg.AIBaseURL,
			Model:       cfg.AIModel,
			MaxTokens:   cfg.AIMaxTokens,
			Temperature: cfg.AITemperature,
			JSONMode:    cfg.AIProvider == config.ProviderOpenAI,
			Logger:      logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return inferer, func() {}, nil
	}
}

func waitForShutdown(app *fiber.App, coordinator *grading.Coordinator, timeout time.Duration, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	if err := coordinator.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("batch runs did not stop in time")
	}

	logger.Info().Msg("server stopped")
}
