package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/projector/internal/config"
	"github.com/SteelMorgan/projector/internal/observability"
	"github.com/SteelMorgan/projector/internal/service"
)

var version = "0.1.0"

func main() {
	configPath := flag.String("config", os.Getenv("PROJECTOR_CONFIG"), "path to the YAML configuration file")
	embeddedNATS := flag.Bool("embedded-nats", false, "run an in-process NATS server instead of connecting to nats.url")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *embeddedNATS {
		cfg.NATS.Embedded = true
	}

	// Initialize logger
	closeLog := observability.InitLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer func() { _ = closeLog() }()

	log.Info().
		Str("version", version).
		Msg("Starting projector")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize tracer (if enabled)
	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "projector",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		Protocol:       cfg.Tracing.Protocol,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize tracer")
	} else {
		defer func() {
			tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracer(tctx)
		}()
	}

	svc, err := service.NewProjectorService(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create projector service")
	}

	log.Info().Msg("Projector service started successfully")
	if err := svc.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Projector service error")
	} else {
		log.Info().Msg("Received shutdown signal")
	}

	// Graceful shutdown
	log.Info().Msg("Shutting down gracefully...")
	if err := svc.Close(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}

	log.Info().Msg("Projector service stopped")
}
