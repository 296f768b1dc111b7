package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"ai-sales-coach-service/internal/api/ws"
	"ai-sales-coach-service/internal/app"
	"ai-sales-coach-service/internal/coach"
	"ai-sales-coach-service/internal/config"
	"ai-sales-coach-service/internal/enhancer"
	"ai-sales-coach-service/internal/events"
	"ai-sales-coach-service/internal/observability"
	"ai-sales-coach-service/internal/orchestrator"
	"ai-sales-coach-service/internal/recognizer"
	"ai-sales-coach-service/internal/recognizer/google"
	"ai-sales-coach-service/internal/recognizer/mock"
	"ai-sales-coach-service/internal/recognizer/wsbridge"
	"ai-sales-coach-service/internal/store"
)

func main() {
	cfg := config.Load()
	application := app.New(cfg)
	logger := application.Logger

	if err := application.Start(); err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}

	publisher := events.New(&cfg.Kafka)
	defer publisher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("provider", cfg.STTProvider).Msg("failed to create recognition backend")
	}

	var enh enhancer.Enhancer = enhancer.Noop{}
	if cfg.OpenAIKey != "" {
		enh = enhancer.NewOpenAIClient(enhancer.OpenAIConfig{
			APIKey:         cfg.OpenAIKey,
			Model:          cfg.OpenAIModel,
			LiveTimeout:    cfg.LiveTimeout,
			SummaryTimeout: cfg.SummaryTimeout,
		}, logger)
	} else {
		logger.Warn().Msg("OPENAI_API_KEY not set, AI enhancement disabled")
	}

	orc := orchestrator.New(cfg, backend, enh, publisher,
		store.NewLogStore(logger), coachSettings(), logger)

	obs := observability.NewServer(":" + cfg.ObsPort)
	obs.Start()

	ingress := ws.NewServer(orc, logger)
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Mount("/", ingress.Routes())

	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Str("provider", cfg.STTProvider).Msg("coaching ingress listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("ingress server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	orc.Shutdown(shutdownCtx)
	httpServer.Shutdown(shutdownCtx)
	obs.Shutdown(shutdownCtx)
	application.Shutdown()
}

// newBackend selects the recognition backend from configuration.
func newBackend(ctx context.Context, cfg *config.Configuration, logger zerolog.Logger) (recognizer.Backend, error) {
	switch cfg.STTProvider {
	case "google":
		return google.New(ctx, google.DefaultConfig(), logger)
	case "mock":
		return mock.New(), nil
	default:
		return wsbridge.New(cfg.STTEndpoints, cfg.STTCloudURL, logger), nil
	}
}

// coachSettings reads the style configuration from the environment.
func coachSettings() coach.Settings {
	return coach.Settings{
		EmotionStyle:  coach.EmotionStyle(os.Getenv("COACH_EMOTION_STYLE")),
		ObjectionMode: coach.ObjectionMode(os.Getenv("COACH_OBJECTION_MODE")),
	}
}
