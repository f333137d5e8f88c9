package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/thumbdata/internal/codec"
	"github.com/dunamismax/thumbdata/internal/color"
	"github.com/dunamismax/thumbdata/internal/config"
	"github.com/dunamismax/thumbdata/internal/consumer"
	"github.com/dunamismax/thumbdata/internal/logging"
	"github.com/dunamismax/thumbdata/internal/pipeline"
	"github.com/dunamismax/thumbdata/internal/storage"
	"github.com/dunamismax/thumbdata/internal/telemetry"
	"github.com/dunamismax/thumbdata/internal/webhook"
	"github.com/dunamismax/thumbdata/internal/worker"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	logger := logging.New("thumbdata-worker")

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("worker stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("worker stopped")
}

// run owns every resource it opens; its deferred cleanup completes before
// main decides the exit code.
func run(cfg config.Config, logger zerolog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Telemetry.ServiceName + "-worker",
		Exporter:     cfg.Telemetry.TraceExporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	if err := codec.Startup(); err != nil {
		return fmt.Errorf("start codec: %w", err)
	}
	defer codec.Shutdown()

	imageCodec, err := codec.New()
	if err != nil {
		return fmt.Errorf("create codec: %w", err)
	}

	store, closeStore, err := storage.Open(ctx, cfg.Storage.Backend, storage.ConfigFrom(cfg.Storage))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn().Err(err).Msg("storage close failed")
		}
	}()

	if mc, ok := store.(*storage.MinioClient); ok {
		if err := mc.EnsureBucket(ctx, cfg.Pipeline.OutputBucket); err != nil {
			return fmt.Errorf("output bucket %s unavailable: %w", cfg.Pipeline.OutputBucket, err)
		}
	}

	var colors pipeline.ColorAnalyzer
	if cfg.Pipeline.DominantColor {
		colors = color.Analyzer{}
	}

	processor, err := pipeline.NewProcessor(pipeline.Config{
		OutputBucket:  cfg.Pipeline.OutputBucket,
		PixelBudget:   cfg.Pipeline.PixelBudget,
		Timeout:       cfg.Pipeline.Timeout,
		ScratchDir:    cfg.Pipeline.ScratchDir,
		DominantColor: cfg.Pipeline.DominantColor,
	}, store, imageCodec, colors, logger)
	if err != nil {
		return fmt.Errorf("create processor: %w", err)
	}

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	})
	handler := worker.NewHandler(logger, processor, cfg.Worker.MaxActiveJobs, webhookClient, cfg.Webhook.URL)

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, handler)
	if err != nil {
		return fmt.Errorf("create worker server: %w", err)
	}

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Int("max_active_jobs", cfg.Worker.MaxActiveJobs).
		Str("queue", cfg.Queue.Name).
		Str("redis", cfg.Queue.RedisAddr).
		Str("storage", cfg.Storage.Backend).
		Str("output_bucket", cfg.Pipeline.OutputBucket).
		Msg("starting worker")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(ctx)
	})

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           handler.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Worker.MetricsAddr).Msg("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if cfg.AMQP.URL != "" {
		amqpConsumer, err := consumer.NewAMQPConsumer(consumer.Config{
			URL:      cfg.AMQP.URL,
			Queue:    cfg.AMQP.Queue,
			Prefetch: cfg.AMQP.Prefetch,
		}, handler, logger)
		if err != nil {
			return fmt.Errorf("create amqp consumer: %w", err)
		}
		g.Go(func() error {
			return amqpConsumer.Run(ctx)
		})
	}

	return g.Wait()
}
