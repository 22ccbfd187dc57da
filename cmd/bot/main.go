// Package main is the entry point for the conversational bot.
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

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversational-bot/internal/config"
	"github.com/capitalize-ai/conversational-bot/internal/handler"
	"github.com/capitalize-ai/conversational-bot/internal/llm"
	"github.com/capitalize-ai/conversational-bot/internal/matrix"
	"github.com/capitalize-ai/conversational-bot/internal/middleware"
	natsclient "github.com/capitalize-ai/conversational-bot/internal/nats"
	"github.com/capitalize-ai/conversational-bot/internal/render"
	"github.com/capitalize-ai/conversational-bot/internal/service"
	"github.com/capitalize-ai/conversational-bot/internal/store"
	"github.com/capitalize-ai/conversational-bot/pkg/logger"
	"github.com/capitalize-ai/conversational-bot/pkg/tracing"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("bot stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting conversational bot",
		zap.String("transport", cfg.Transport),
		zap.String("store", cfg.Store),
		zap.String("llm_provider", cfg.LLMProvider))

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "conversational-bot", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(context.Background(), tp) }()
		}
	}

	checkers := make(map[string]handler.Checker)

	var natsClient *natsclient.Client
	if cfg.UsesNATS() {
		var err error
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return err
		}
		defer natsClient.Close()
		checkers["nats"] = natsClient

		if err := natsclient.NewStreamManager(natsClient).EnsureStream(ctx); err != nil {
			return err
		}
	}

	st, err := openStore(ctx, cfg, natsClient, checkers)
	if err != nil {
		return err
	}

	source, err := llm.NewSource(llm.Provider(cfg.LLMProvider), llm.Credentials{
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		OpenAIBaseURL:   cfg.OpenAIURL,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
	}, llm.Options{
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
	})
	if err != nil {
		return err
	}

	broadcaster := render.NewBroadcaster(log)
	defer broadcaster.Close()

	var (
		sink   render.Sink = broadcaster
		bridge *matrix.Bridge
	)
	switch cfg.Transport {
	case "matrix":
		bridge, err = matrix.NewBridge(matrix.Config{
			Homeserver:   cfg.MatrixHomeserver,
			UserID:       cfg.MatrixUserID,
			AccessToken:  cfg.MatrixAccessToken,
			AllowedRooms: cfg.MatrixAllowedRooms,
		}, log)
		if err != nil {
			return err
		}
		sink = bridge
		checkers["matrix"] = bridge
	case "nats":
		sink = natsclient.NewPublisher(natsClient)
	}

	dispatcher := service.NewDispatcher(st, sink, source, service.Config{
		MaxContextSize: cfg.MaxContextSize,
		RenderTimeout:  cfg.RenderTimeout,
		RenderRate:     cfg.RenderRate,
		RenderBurst:    cfg.RenderBurst,
		DedupeTTL:      cfg.DedupeTTL,
		DedupeSize:     cfg.DedupeSize,
	}, log)
	defer dispatcher.Close()

	transportErr := make(chan error, 1)
	switch cfg.Transport {
	case "matrix":
		go func() { transportErr <- bridge.Run(ctx, dispatcher) }()
	case "nats":
		consumer := natsclient.NewConsumer(natsClient, log)
		go func() { transportErr <- consumer.Run(ctx, dispatcher) }()
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(cfg, log, dispatcher, broadcaster, checkers),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = fmt.Errorf("server error: %w", err)
	case err := <-transportErr:
		if err != nil {
			runErr = fmt.Errorf("transport error: %w", err)
		}
	}
	stop()

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("bot stopped")
	return runErr
}

func openStore(ctx context.Context, cfg *config.Config, nc *natsclient.Client, checkers map[string]handler.Checker) (store.StateStore, error) {
	switch cfg.Store {
	case "redis":
		rs, err := store.NewRedis(cfg.RedisURL, store.WithPrefix(cfg.RedisPrefix))
		if err != nil {
			return nil, err
		}
		checkers["redis"] = handler.CheckerFunc(rs.Ping)
		return rs, nil
	case "nats":
		return natsclient.NewKVStore(ctx, nc, cfg.NATSBucket)
	default:
		return store.NewMemory(), nil
	}
}

func newRouter(cfg *config.Config, log *logger.Logger, d *service.Dispatcher, b *render.Broadcaster, checkers map[string]handler.Checker) http.Handler {
	healthHandler := handler.NewHealthHandler(checkers)
	conversationHandler := handler.NewConversationHandler(d, log)
	streamHandler := handler.NewStreamHandler(b, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/conversations/{key}", func(r chi.Router) {
			r.Get("/", conversationHandler.Get)
			r.Post("/events", conversationHandler.PostEvent)
			r.Get("/stream", streamHandler.Stream)
		})
	})

	return r
}
