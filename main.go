package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"trigger-orchestrator/internal/circuitbreaker"
	"trigger-orchestrator/internal/common/cache"
	"trigger-orchestrator/internal/common/logging"
	"trigger-orchestrator/internal/config"
	"trigger-orchestrator/internal/engine"
	"trigger-orchestrator/internal/server"
	"trigger-orchestrator/internal/service"
	"trigger-orchestrator/internal/storage/sqlite"
	"trigger-orchestrator/internal/triggers"
	"trigger-orchestrator/internal/triggers/mail"
	"trigger-orchestrator/internal/triggers/manual"
	"trigger-orchestrator/internal/triggers/schedule"
	"trigger-orchestrator/internal/triggers/webhook"
)

func main() {
	cfg := config.Load()

	logging.InitGlobalLogger()
	defer logging.MustSync()
	logger := logging.GetGlobalLogger()

	if err := cfg.Validate(); err != nil {
		logger.Error("configuration invalid", err)
		os.Exit(1)
	}

	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open storage", err)
		os.Exit(1)
	}
	defer store.Close()

	seenCache, err := buildCache(cfg)
	if err != nil {
		logger.Error("failed to build cache", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	breakers := circuitbreaker.NewManager(logger)
	bus := engine.NewInProcessEventBus()
	eng := engine.NewHTTPEngine(cfg.EngineURL)

	recorder := triggers.NewRecorder(store, eng, breakers, logger)
	recorder.BindEvents(bus)
	if err := bus.Subscribe(ctx); err != nil {
		logger.Error("failed to subscribe to workflow events", err)
		os.Exit(1)
	}
	defer bus.Close()

	scheduleEngine := schedule.NewEngine(recorder, store, logger)
	poller := mail.NewPoller(recorder, store, seenCache, breakers, logger)
	router := webhook.NewRouter(recorder, store, cfg.BaseURL, logger)
	runner := manual.NewRunner(recorder, store, logger)

	registry := triggers.NewRegistry(store, logger, scheduleEngine, poller, router, runner)

	scheduleEngine.Start(ctx)
	defer scheduleEngine.Stop()

	if err := registry.ReinstallAll(ctx); err != nil {
		// Individual failures are parked on their triggers; keep serving
		logger.Warn("some triggers failed to reinstall")
	}
	defer registry.Shutdown()

	svc := service.New(registry, recorder, router, runner, breakers, store, logger)
	svc.StartPruner(ctx, time.Duration(cfg.RetentionDays)*24*time.Hour)

	srv := server.New(cfg, svc, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", err)
		}
	case sig := <-stop:
		logger.Info("shutting down", logging.Field{Key: "signal", Value: sig.String()})
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", err)
	}
}

func buildCache(cfg *config.Config) (cache.Cache, error) {
	cacheCfg := cache.DefaultConfig()
	cacheCfg.Type = cache.Type(cfg.CacheType)
	if cacheCfg.Type == cache.TypeRedis {
		cacheCfg.RedisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}
	return cache.New(cacheCfg)
}
