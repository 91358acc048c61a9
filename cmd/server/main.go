package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/chunkscribe/internal/config"
	"github.com/skypro1111/chunkscribe/internal/jobs"
	"github.com/skypro1111/chunkscribe/internal/metrics"
	"github.com/skypro1111/chunkscribe/internal/pipeline"
	"github.com/skypro1111/chunkscribe/internal/server"
	"github.com/skypro1111/chunkscribe/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "chunkscribe"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// API keys may live in a local .env file
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Failed to load .env file: %v\n", err)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("http_port", cfg.HTTP.Port),
		slog.Float64("chunk_duration", cfg.Chunking.ChunkDuration),
		slog.Float64("overlap", cfg.Chunking.Overlap),
		slog.Int("max_concurrency", cfg.Chunking.MaxConcurrency),
		slog.Int("max_attempts", cfg.Retry.MaxAttempts),
		slog.Bool("fast_fail_on_fatal", cfg.Chunking.FastFailOnFatal),
		slog.String("provider", cfg.Transcription.Provider),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	submitter, err := cfg.Transcription.NewSubmitter()
	if err != nil {
		logger.Error("Failed to create transcription submitter", slog.String("error", err.Error()))
		os.Exit(1)
	}

	client, err := transcription.NewRetryClient(submitter, cfg.Retry.GetRetryPolicy(),
		cfg.Chunking.GetChunkTimeoutDuration(), logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	p, err := pipeline.New(client, cfg.GetPipelineConfig(), logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create pipeline", slog.String("error", err.Error()))
		os.Exit(1)
	}

	jobMgr, err := jobs.NewManager(logger, p, cfg.Jobs.GetManagerConfig())
	if err != nil {
		logger.Error("Failed to create job manager", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Job manager initialized",
		slog.Int("max_active", cfg.Jobs.MaxActive),
		slog.Duration("retention", cfg.Jobs.GetRetentionDuration()),
	)

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, jobMgr, client, appMetrics)

		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	} else {
		logger.Warn("HTTP API disabled, no jobs can be submitted")
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Cancel running jobs and stop background routines
	jobMgr.Stop()

	// Get final statistics
	stats := client.Stats()
	logger.Info("Final transcription statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("success_requests", stats.SuccessRequests),
		slog.Uint64("failed_requests", stats.FailedRequests),
		slog.Uint64("total_retries", stats.TotalRetries),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(output, opts))
	}
	return slog.New(slog.NewTextHandler(output, opts))
}
