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

	"finadvisor-pipeline/internal/config"
	"finadvisor-pipeline/internal/handlers"
	"finadvisor-pipeline/internal/pkg/logger"
	"finadvisor-pipeline/internal/pkg/metrics"
	"finadvisor-pipeline/internal/services"

	"github.com/gin-gonic/gin"
)

const (
	pipelineStateTTL = 6 * time.Hour
	shutdownTimeout  = 30 * time.Second
)

type stores struct {
	grounding     services.GroundingCache
	conversations services.ConversationStore
	profiles      services.ProfileStore
	states        services.PipelineStateStore
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "finadvisor-pipeline: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	geminiService, err := services.NewGeminiService(cfg.Gemini, log, m)
	if err != nil {
		return fmt.Errorf("init gemini: %w", err)
	}
	defer geminiService.Close()

	healthChecks := map[string]handlers.HealthChecker{"gemini": geminiService}

	var redisService *services.RedisService
	if cfg.Redis.URL != "" {
		redisService, err = services.NewRedisService(cfg.Redis, log)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer redisService.Close()
		healthChecks["redis"] = redisService
	}

	st := buildStores(ctx, cfg, redisService, log)

	scraper := services.NewScraperService(cfg.Scraper, log)
	retriever := services.NewWebRetriever(cfg.Search, scraper, log)

	contextValidator := services.NewContextValidator()
	classifier := services.NewClassifier(geminiService, log, m)
	grounder := services.NewGrounder(st.grounding, retriever, geminiService, log, m)
	generator := services.NewGenerator(geminiService, cfg.Pipeline, log)
	answerValidator := services.NewAnswerValidator(cfg.Pipeline)
	repair := services.NewRepairCoordinator(generator, answerValidator, cfg.Pipeline.MaxAttempts, log, m)

	orchestrator := services.NewOrchestrator(classifier, contextValidator, grounder, repair, st.profiles, st.states, cfg.Pipeline, log, m)
	if redisService != nil && cfg.Redis.ProgressStream {
		orchestrator.SetPublisher(redisService)
	}
	streamOrchestrator := services.NewStreamOrchestrator(orchestrator, st.conversations, cfg.Stream, log, m)

	router := handlers.NewRouter(handlers.RouterConfig{
		Advice:        handlers.NewAdviceHandler(orchestrator, streamOrchestrator, log),
		Conversations: handlers.NewConversationHandler(st.conversations, log),
		Profiles:      handlers.NewProfileHandler(st.profiles, contextValidator, log),
		Health:        handlers.NewHealthHandler(healthChecks),
		Metrics:       m.Handler(),
		Logger:        log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "port", cfg.HTTP.Port, "environment", cfg.Environment, "redis", redisService != nil)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	log.Info("Server stopped", "active_pipelines", orchestrator.GetActivePipelinesCount())
	return nil
}

// buildStores uses Redis when it is configured and process memory otherwise.
func buildStores(ctx context.Context, cfg *config.Config, redisService *services.RedisService, log *logger.Logger) stores {
	if redisService != nil {
		return stores{
			grounding:     services.NewRedisGroundingCache(redisService, cfg.Pipeline.GroundingTTL),
			conversations: services.NewRedisConversationStore(redisService),
			profiles:      services.NewRedisProfileStore(redisService),
			states:        redisService,
		}
	}

	log.Warn("REDIS_URL not set, using in-memory stores")

	cache := services.NewMemoryGroundingCache(cfg.Pipeline.GroundingTTL)
	cache.StartSweeper(ctx, cfg.Pipeline.GroundingTTL/2)

	return stores{
		grounding:     cache,
		conversations: services.NewMemoryConversationStore(),
		profiles:      services.NewMemoryProfileStore(),
		states:        services.NewMemoryPipelineStateStore(pipelineStateTTL),
	}
}
