package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"finsight/internal/adapters/ai"
	"finsight/internal/adapters/config"
	"finsight/internal/adapters/errors/noop"
	"finsight/internal/adapters/errors/sentry"
	redisadapter "finsight/internal/adapters/redis"
	"finsight/internal/agents"
	"finsight/internal/api"
	"finsight/internal/api/health"
	"finsight/internal/orchestrator"
	"finsight/internal/report"
	"finsight/internal/report/render"
	"finsight/internal/session"
	"finsight/internal/tools"
	"finsight/internal/tools/filings"
	"finsight/internal/tools/market"
	"finsight/internal/tools/sentiment"
	"finsight/internal/workers"
	"finsight/pkg/errors"
	"finsight/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	log := logger.Get()
	log.Infof("Starting %s in %s mode", cfg.App.Name, cfg.App.Env)

	errorTracker := initErrorTracker(cfg, log)
	logger.SetErrorTracker(errorTracker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional shared cache
	redisClient := initRedis(cfg, log)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	registry, err := initRegistry(cfg, redisClient, log)
	if err != nil {
		log.Fatalf("Failed to initialize tool registry: %v", err)
	}

	catalog, err := agents.DefaultCatalog()
	if err != nil {
		log.Fatalf("Failed to build agent catalog: %v", err)
	}

	reasoner := agents.NewLLMReasoner(
		ai.NewOpenAIClient(ai.OpenAIConfig{
			APIKey:    cfg.AI.APIKey,
			BaseURL:   cfg.AI.BaseURL,
			Timeout:   cfg.AI.Timeout,
			RateLimit: cfg.AI.RateLimit,
		}),
		agents.LLMConfig{
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			MaxTokens:   cfg.AI.MaxTokens,
			Retries:     cfg.Session.ReasoningRetries,
		},
	)

	renderer := render.NewClient(render.Config{
		BaseURL: cfg.Render.URL,
		Timeout: cfg.Render.Timeout,
	})
	if renderer == nil {
		log.Info("Report rendering disabled, serving Markdown only")
	}

	orch := orchestrator.New(catalog, registry, reasoner, report.NewAssembler(), renderer,
		orchestrator.Config{
			MaxTurns:        cfg.Session.MaxTurns,
			WallClockBudget: cfg.Session.WallClockBudget,
		})

	store := session.NewStore(cfg.Session.TTL)
	runner := orchestrator.NewRunner(orch, cfg.Session.MaxConcurrent)

	scheduler := workers.NewScheduler()
	scheduler.RegisterWorker(workers.NewJanitorWorker(store, cfg.Workers.JanitorInterval))
	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf("Failed to start workers: %v", err)
	}

	healthHandler := health.New(log, redisClient, store, cfg.App.Name, cfg.App.Version)
	sessionHandler := api.NewSessionHandler(ctx, store, runner)

	server := api.NewServer(api.ServerConfig{
		Port:         cfg.Server.Port,
		ServiceName:  cfg.App.Name,
		Version:      cfg.App.Version,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, healthHandler, sessionHandler, log)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	log.Info("System initialized successfully")

	waitForShutdown(cancel, server, scheduler, runner, errorTracker, log)
}

// initErrorTracker initializes error tracking (Sentry or no-op)
func initErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		log.Info("Error tracking disabled")
		return noop.New()
	}

	tracker, err := sentry.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment)
	if err != nil {
		log.Warnf("Failed to initialize Sentry: %v", err)
		return noop.New()
	}

	log.Info("Error tracking initialized (Sentry)")
	return tracker
}

// initRedis connects the optional shared tool cache backend.
func initRedis(cfg *config.Config, log *logger.Logger) *redisadapter.Client {
	if !cfg.Redis.Enabled() {
		log.Info("Redis disabled, shared tool cache off")
		return nil
	}

	client, err := redisadapter.NewClient(cfg.Redis)
	if err != nil {
		log.Warnf("Failed to connect to Redis, continuing without shared cache: %v", err)
		return nil
	}

	log.Infof("Redis connected: %s", cfg.Redis.Addr())
	return client
}

// initRegistry wires every tool adapter with provider rate limits.
func initRegistry(cfg *config.Config, redisClient *redisadapter.Client, log *logger.Logger) (*tools.Registry, error) {
	registry := tools.NewRegistry(tools.RetryConfig{
		MaxAttempts:    cfg.Tools.MaxAttempts,
		InitialBackoff: cfg.Tools.InitialBackoff,
		MaxBackoff:     cfg.Tools.MaxBackoff,
		Timeout:        cfg.Tools.Timeout,
		CacheTTL:       cfg.Tools.CacheTTL,
	})

	if redisClient != nil {
		registry.SetSharedCache(redisadapter.NewSharedToolCache(redisClient))
	}

	filingsClient := filings.NewClient(filings.Config{
		APIKey:  cfg.Providers.FMPAPIKey,
		BaseURL: cfg.Providers.FMPBaseURL,
		Timeout: cfg.Tools.Timeout,
	})
	sentimentClient := sentiment.NewClient(sentiment.Config{
		APIKey:  cfg.Providers.SentimentAPIKey,
		BaseURL: cfg.Providers.SentimentBaseURL,
		Timeout: cfg.Tools.Timeout,
	})

	all := []tools.Tool{
		market.NewQuoteTool(),
		market.NewHistoryTool(),
		filingsClient.NewFilingsTool(),
		filingsClient.NewFinancialsTool(),
		sentimentClient.NewSentimentTool(),
	}

	for _, t := range all {
		if err := registry.Register(t); err != nil {
			return nil, err
		}
	}

	registry.SetProviderLimit(market.Provider, cfg.Providers.MarketRateLimit)
	registry.SetProviderLimit(filings.Provider, cfg.Providers.FilingsRateLimit)
	registry.SetProviderLimit(sentiment.Provider, cfg.Providers.SentimentRateLimit)

	log.Infof("Tool registry initialized: tools=%d", len(all))
	return registry, nil
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func waitForShutdown(cancel context.CancelFunc, server *api.Server, scheduler *workers.Scheduler,
	runner *orchestrator.Runner, errorTracker errors.Tracker, log *logger.Logger) {

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP server shutdown: %v", err)
	}

	// Cancel running sessions, then wait for them to record their state
	cancel()
	runner.Wait()

	if err := scheduler.Stop(); err != nil {
		log.Errorf("Worker scheduler shutdown: %v", err)
	}

	if err := errorTracker.Flush(shutdownCtx); err != nil {
		log.Errorf("Error tracker flush: %v", err)
	}

	log.Info("Shutdown complete")
}
