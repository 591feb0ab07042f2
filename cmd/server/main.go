package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/audio"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/batch"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/config"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/engine"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/metrics"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/pipeline"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/server"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/stream"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "parakeet-transcription-service"
	serviceVersion    = "1.0.0"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		slog.Bool("udp_enabled", cfg.UDP.Enabled),
		slog.Int("sample_rate", cfg.Audio.TargetSampleRate),
		slog.Float64("chunk_min_duration", cfg.Audio.ChunkMinDuration),
		slog.Float64("max_chunk_duration", cfg.Audio.MaxChunkDuration),
		slog.Float64("vad_threshold", float64(cfg.VAD.Threshold)),
		slog.Int("max_batch_size", cfg.Batch.MaxBatchSize),
		slog.String("engine_backend", cfg.Engine.Backend),
		slog.String("default_model", cfg.Engine.DefaultModel),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

// run wires the service, serves until a shutdown signal and then drains it
func run(cfg *config.Config, logger *slog.Logger) error {
	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	router, err := engine.NewRouter(cfg.Engine.Models, cfg.Engine.DefaultModel, engineFactory(cfg.Engine, logger, appMetrics), logger)
	if err != nil {
		return fmt.Errorf("create engine router: %w", err)
	}

	scheduler, err := batch.New(batch.Config{
		MaxBatchSize:      cfg.Batch.MaxBatchSize,
		MaxWait:           cfg.Batch.GetMaxWait(),
		IdleInterval:      cfg.Batch.GetIdleInterval(),
		MaxQueueDepth:     cfg.Batch.MaxQueueDepth,
		ProcessingTimeout: cfg.Batch.GetProcessingTimeout(),
		InferenceTimeout:  cfg.Batch.GetInferenceTimeout(),
	}, router, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	frame := cfg.Audio.GetFrameDuration()
	chunking := audio.ChunkingConfig{
		SampleRate:   cfg.Audio.TargetSampleRate,
		MinDuration:  cfg.Audio.GetChunkMinDuration(),
		MaxDuration:  cfg.Audio.GetMaxChunkDuration(),
		Lookback:     cfg.Audio.GetLookbackDuration(),
		SearchWindow: cfg.Audio.GetFileSearchWindow(),
		SilenceRMS:   cfg.Audio.SilenceRMS,
	}

	// Sessions keep the frames that confirmed speech so the onset is not clipped
	sessionChunking := chunking
	sessionChunking.PreRollFrames = cfg.VAD.GetStartFrames(frame)

	sessions, err := stream.NewManager(stream.ManagerConfig{
		Session: stream.SessionConfig{
			VAD: vad.Config{
				SampleRate:     cfg.Audio.TargetSampleRate,
				FrameSize:      cfg.Audio.GetFrameSize(),
				Threshold:      cfg.VAD.Threshold,
				StartFrames:    cfg.VAD.GetStartFrames(frame),
				HangoverFrames: cfg.VAD.GetHangoverFrames(frame),
			},
			EnergyReference: cfg.VAD.EnergyReference,
			Chunking:        sessionChunking,
		},
		MaxSessions:    cfg.Audio.MaxSessions,
		SessionTimeout: cfg.Audio.GetSessionTimeout(),
	}, scheduler, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("create stream manager: %w", err)
	}

	pipe, err := pipeline.New(pipeline.Config{Chunking: chunking}, scheduler, sessions, logger)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTP.Port,
		Address:        cfg.HTTP.Address,
		ReadTimeout:    cfg.HTTP.GetReadTimeout(),
		WriteTimeout:   cfg.HTTP.GetWriteTimeout(),
		MaxUploadBytes: cfg.HTTP.GetMaxUploadBytes(),
	}, logger, cfg, pipe, scheduler, router, appMetrics)

	var udpServer *server.UDPServer
	if cfg.UDP.Enabled {
		udpServer = server.NewUDPServer(server.UDPServerConfig{
			Port:         cfg.UDP.Port,
			Address:      cfg.UDP.Address,
			BufferSize:   cfg.UDP.BufferSize,
			Workers:      cfg.UDP.Workers,
			QueueSize:    cfg.UDP.QueueSize,
			CloseTimeout: cfg.Batch.GetProcessingTimeout() + 10*time.Second,
		}, logger, pipe, appMetrics)
		if err := udpServer.Start(); err != nil {
			return fmt.Errorf("start UDP server: %w", err)
		}
		httpServer.AttachUDP(udpServer)
	}

	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", httpServer.Addr()),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting new work on every transport; UDP also ends its open streams
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Stop(gctx); err != nil {
			return fmt.Errorf("stop HTTP server: %w", err)
		}
		return nil
	})
	if udpServer != nil {
		g.Go(func() error {
			return udpServer.Stop(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("Error stopping servers", slog.String("error", err.Error()))
	}

	// Finish open sessions, then drain the scheduler
	if err := sessions.Stop(ctx); err != nil {
		logger.Error("Error stopping stream manager", slog.String("error", err.Error()))
	}
	if err := scheduler.Close(ctx); err != nil {
		logger.Error("Error closing scheduler", slog.String("error", err.Error()))
	}
	if err := router.Close(); err != nil {
		logger.Error("Error closing engines", slog.String("error", err.Error()))
	}

	stats := scheduler.Stats()
	logger.Info("Final scheduler statistics",
		slog.Uint64("batches", stats.Batches),
		slog.Uint64("requests", stats.Requests),
		slog.Uint64("failed_requests", stats.FailedRequests),
		slog.Uint64("rejections", stats.Rejections),
		slog.Uint64("timeouts", stats.Timeouts),
	)
	return nil
}

// engineFactory builds the backend for one model name
func engineFactory(cfg config.EngineConfig, logger *slog.Logger, m *metrics.Metrics) engine.Factory {
	return func(model string) (engine.Engine, error) {
		switch cfg.Backend {
		case config.BackendWhisperCpp:
			path := strings.ReplaceAll(cfg.ModelPath, "{model}", model)
			return engine.NewWhisperEngine(path, logger.With(slog.String("model", model)))
		default:
			return engine.NewHTTPEngine(engine.HTTPConfig{
				Endpoint:      cfg.Endpoint,
				APIKey:        cfg.APIKey,
				Model:         model,
				Timeout:       cfg.GetTimeoutDuration(),
				MaxRetries:    cfg.MaxRetries,
				MaxConcurrent: cfg.MaxConcurrent,
			}, logger.With(slog.String("model", model)), m)
		}
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
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
