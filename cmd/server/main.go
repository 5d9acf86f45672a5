// Package main provides the entry point for the paper pipeline service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/helixir/paper-pipeline-service/internal/arxiv"
	"github.com/helixir/paper-pipeline-service/internal/config"
	"github.com/helixir/paper-pipeline-service/internal/database"
	"github.com/helixir/paper-pipeline-service/internal/events"
	"github.com/helixir/paper-pipeline-service/internal/generation"
	"github.com/helixir/paper-pipeline-service/internal/llm"
	"github.com/helixir/paper-pipeline-service/internal/observability"
	"github.com/helixir/paper-pipeline-service/internal/pdf"
	"github.com/helixir/paper-pipeline-service/internal/pipeline"
	"github.com/helixir/paper-pipeline-service/internal/repository"
	httpserver "github.com/helixir/paper-pipeline-service/internal/server/http"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

const metricsNamespace = "paperpipeline"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Set up structured logging.
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger = logger.With().Str("component", "server").Logger()
	logger.Info().Msg("paper-pipeline-service starting")

	// Set up context with graceful shutdown via OS signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL.
	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info().Msg("database connection established")

	// Run migrations if configured.
	if cfg.Database.MigrationAutoRun {
		migrator, err := database.NewMigrator(db, cfg.Database.MigrationPath, logger)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
		defer func() {
			if closeErr := migrator.Close(); closeErr != nil {
				logger.Error().Err(closeErr).Msg("failed to close migrator")
			}
		}()

		if err := migrator.Up(); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	// Create repositories.
	sessionRepo := repository.NewPgSessionRepository(db.Pool())
	paperRepo := repository.NewPgPaperRepository(db.Pool())
	artifactRepo := repository.NewPgArtifactRepository(db.Pool())

	metrics := observability.NewMetrics(metricsNamespace)

	// Create the LLM completer and the generation client.
	completer, err := llm.NewCompleter(llm.FactoryConfig{
		Provider: cfg.LLM.Provider,
		Timeout:  cfg.LLM.Timeout,
		OpenAI: llm.OpenAIConfig{
			APIKey:  cfg.LLM.OpenAI.APIKey,
			Model:   cfg.LLM.OpenAI.Model,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
		},
		Anthropic: llm.AnthropicConfig{
			APIKey:  cfg.LLM.Anthropic.APIKey,
			Model:   cfg.LLM.Anthropic.Model,
			BaseURL: cfg.LLM.Anthropic.BaseURL,
		},
	})
	if err != nil {
		return fmt.Errorf("create LLM completer: %w", err)
	}
	generator := generation.NewClient(completer, logger, metrics)

	// Create the arXiv search client.
	searcher := arxiv.New(arxiv.Config{
		BaseURL:    cfg.ArXiv.BaseURL,
		Timeout:    cfg.ArXiv.Timeout,
		RateLimit:  cfg.ArXiv.RateLimit,
		MaxResults: cfg.ArXiv.MaxResults,
	}, logger, metrics)

	// Create the PDF downloader and rasterizer.
	fetcher := pdf.NewDownloader(pdf.Config{
		Timeout: cfg.PDF.DownloadTimeout,
		MaxSize: cfg.PDF.MaxDownloadSize,
	})
	rasterizer := pdf.NewRasterizer(pdf.RasterizerConfig{
		PdftoppmPath: cfg.PDF.PdftoppmPath,
		DPI:          cfg.PDF.RasterDPI,
		MaxPages:     cfg.PDF.MaxPages,
		WorkDir:      cfg.Pipeline.WorkDir,
	})

	// Create the progress event publisher.
	var publisher pipeline.Publisher
	var publisherCloser interface{ Close() error }
	if cfg.Kafka.Enabled {
		kafkaPublisher := events.NewKafkaPublisher(events.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		}, logger)
		publisher = kafkaPublisher
		publisherCloser = kafkaPublisher
		logger.Info().
			Strs("brokers", cfg.Kafka.Brokers).
			Str("topic", cfg.Kafka.Topic).
			Msg("kafka publisher enabled")
	} else {
		publisher = events.NopPublisher{}
	}

	// Assemble the pipeline.
	stages := pipeline.NewStages(pipeline.StageDeps{
		Generator:   generator,
		Searcher:    searcher,
		Fetcher:     fetcher,
		Rasterizer:  rasterizer,
		Papers:      paperRepo,
		Sessions:    sessionRepo,
		Artifacts:   artifactRepo,
		Publisher:   publisher,
		Logger:      logger,
		Metrics:     metrics,
		VisionModel: visionModel(cfg),
	})
	orchestrator := pipeline.NewOrchestrator(stages, sessionRepo, publisher, logger, metrics)
	runner := pipeline.NewRunner(orchestrator, logger)

	// Create the HTTP REST API server.
	httpCfg := httpserver.Config{
		Address:         cfg.Server.HTTPAddress(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     2 * time.Minute,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsPath:     cfg.Metrics.Path,
	}

	httpSrv := httpserver.NewServer(
		httpCfg,
		runner,
		sessionRepo,
		paperRepo,
		artifactRepo,
		db,
		sessionDefaults(cfg),
		logger,
	)

	// Channel to collect server errors.
	errCh := make(chan error, 1)

	go func() {
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	logger.Info().
		Str("http_address", httpCfg.Address).
		Msg("paper-pipeline-service is ready")

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	// Graceful shutdown.
	logger.Info().Msg("shutting down paper-pipeline-service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting requests first, then drain running sessions.
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("session runner shutdown error")
	}

	if publisherCloser != nil {
		if err := publisherCloser.Close(); err != nil {
			logger.Error().Err(err).Msg("event publisher close error")
		}
	}

	logger.Info().Msg("paper-pipeline-service shutdown complete")
	return nil
}

// sessionDefaults maps the service configuration onto the per-session defaults.
func sessionDefaults(cfg *config.Config) domain.SessionConfig {
	return domain.SessionConfig{
		KeywordCount:        cfg.Pipeline.KeywordCount,
		TargetPaperCount:    cfg.Pipeline.TargetPaperCount,
		MinSynthesisInputs:  cfg.Pipeline.MinSynthesisInputs,
		MaxConcurrentPapers: cfg.Pipeline.MaxConcurrentPapers,
		MaxConcurrentPages:  cfg.Pipeline.MaxConcurrentPages,
		MaxAttempts:         cfg.Pipeline.MaxAttempts,
		KeywordDelay:        cfg.Pipeline.KeywordDelay,
		MinMethodologyChars: cfg.Pipeline.MinMethodologyChars,
	}
}

// visionModel returns the configured OCR model for the active provider.
func visionModel(cfg *config.Config) string {
	if strings.ToLower(cfg.LLM.Provider) == "anthropic" {
		return cfg.LLM.Anthropic.VisionModel
	}
	return cfg.LLM.OpenAI.VisionModel
}
