// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server assembles and runs the mediator HTTP service.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/Attune/pkg/logging"
	"github.com/AleutianAI/Attune/services/llm"
	"github.com/AleutianAI/Attune/services/mediator/datatypes"
	"github.com/AleutianAI/Attune/services/mediator/longpoll"
	"github.com/AleutianAI/Attune/services/mediator/observability"
	"github.com/AleutianAI/Attune/services/mediator/pipeline"
	"github.com/AleutianAI/Attune/services/mediator/routes"
	"github.com/AleutianAI/Attune/services/mediator/safety"
	"github.com/AleutianAI/Attune/services/mediator/session"
	"github.com/AleutianAI/Attune/services/mediator/store"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Config is the environment-driven service configuration.
//
// # Fields
//
//   - Port: HTTP listen port. Env MEDIATOR_PORT, default 12310.
//   - DataDir: BadgerDB directory. Env MEDIATOR_DATA_DIR; empty means
//     in-memory storage.
//   - OTLPEndpoint: Collector address. Env OTEL_EXPORTER_OTLP_ENDPOINT.
//   - DisableTracing: Skips the OTLP exporter entirely. Env
//     MEDIATOR_DISABLE_TRACING=true. Useful for local runs without a
//     collector.
//   - LogDir: Optional daily JSON log file directory. Env
//     MEDIATOR_LOG_DIR; empty disables file logging.
//   - LogLevel: Minimum log level. Env MEDIATOR_LOG_LEVEL, default info.
//   - MaxRetries: Generation retry budget after the first attempt. Env
//     MEDIATOR_MAX_RETRIES; zero or unset keeps the pipeline default.
type Config struct {
	Port           string
	DataDir        string
	OTLPEndpoint   string
	DisableTracing bool
	LogDir         string
	LogLevel       string
	MaxRetries     int
}

// ConfigFromEnv reads the service configuration from the environment.
func ConfigFromEnv() Config {
	cfg := Config{
		Port:         os.Getenv("MEDIATOR_PORT"),
		DataDir:      os.Getenv("MEDIATOR_DATA_DIR"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogDir:       os.Getenv("MEDIATOR_LOG_DIR"),
		LogLevel:     os.Getenv("MEDIATOR_LOG_LEVEL"),
	}
	if cfg.Port == "" {
		cfg.Port = "12310"
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "attune-otel-collector:4317"
	}
	if v, err := strconv.ParseBool(os.Getenv("MEDIATOR_DISABLE_TRACING")); err == nil {
		cfg.DisableTracing = v
	}
	if v, err := strconv.Atoi(os.Getenv("MEDIATOR_MAX_RETRIES")); err == nil && v > 0 {
		cfg.MaxRetries = v
	}
	return cfg
}

func initTracer(cfg Config) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(cfg.OTLPEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("mediator-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// newLLMClient selects the model backend from LLM_BACKEND_TYPE.
func newLLMClient() (llm.LLMClient, error) {
	switch os.Getenv("LLM_BACKEND_TYPE") {
	case "openai":
		slog.Info("Using OpenAI LLM backend")
		return llm.NewOpenAIClient()
	case "ollama":
		slog.Info("Using Ollama LLM backend")
		return llm.NewOllamaClient()
	default:
		slog.Warn("LLM_BACKEND_TYPE not set or invalid, defaulting to ollama")
		return llm.NewOllamaClient()
	}
}

// Run starts the mediator service and blocks until ctx is cancelled or the
// listener fails.
//
// # Description
//
// Assembles storage, the safety gate, the generation pipeline, the
// long-poll manager, and the orchestrator, then serves the HTTP API.
// Shutdown order on cancellation: HTTP listener, waiter sweep loop,
// storage.
func Run(ctx context.Context, cfg Config) error {
	log := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "mediator",
		JSON:    true,
	})
	defer log.Close()
	logger := log.Slog()
	slog.SetDefault(logger)

	if !cfg.DisableTracing {
		cleanup, err := initTracer(cfg)
		if err != nil {
			return err
		}
		defer cleanup(context.Background())
	}

	var storeCfg store.Config
	if cfg.DataDir == "" {
		slog.Warn("MEDIATOR_DATA_DIR not set, using in-memory storage")
		storeCfg = store.InMemoryConfig()
	} else {
		storeCfg = store.DefaultConfig(cfg.DataDir)
	}
	storeCfg.Logger = logger
	st, err := store.OpenBadger(storeCfg)
	if err != nil {
		return err
	}
	defer st.Close()

	classifier, err := safety.NewClassifier()
	if err != nil {
		return err
	}
	gate := safety.NewGate(classifier)

	validator, err := pipeline.NewValidator()
	if err != nil {
		return err
	}
	fallbacks, err := pipeline.LoadFallbacks(validator)
	if err != nil {
		return err
	}
	llmClient, err := newLLMClient()
	if err != nil {
		return err
	}
	pipelineCfg := pipeline.DefaultConfig()
	if cfg.MaxRetries > 0 {
		pipelineCfg.MaxRetries = cfg.MaxRetries
	}
	pl := pipeline.New(llmClient, validator, fallbacks, pipelineCfg)

	metrics := observability.InitMetrics()
	poller := longpoll.NewManager(
		func(ctx context.Context, sessionID string, afterMs int64) ([]datatypes.Message, error) {
			return st.MessagesAfter(ctx, sessionID, afterMs, 0)
		}, longpoll.DefaultConfig())

	orch := session.NewOrchestrator(st, gate, pl, poller, metrics, logger,
		session.DefaultConfig())

	router := gin.Default()
	router.Use(otelgin.Middleware("mediator-service"))
	routes.SetupRoutes(router, orch)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return poller.Start(gctx)
	})
	g.Go(func() error {
		slog.Info("Starting the mediator server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		poller.Stop()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
