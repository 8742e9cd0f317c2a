package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"

	"github.com/ledgerguard/compliance-engine/internal/alerts"
	"github.com/ledgerguard/compliance-engine/internal/behavior"
	"github.com/ledgerguard/compliance-engine/internal/cache"
	"github.com/ledgerguard/compliance-engine/internal/config"
	"github.com/ledgerguard/compliance-engine/internal/database"
	"github.com/ledgerguard/compliance-engine/internal/evaluation"
	"github.com/ledgerguard/compliance-engine/internal/handlers"
	"github.com/ledgerguard/compliance-engine/internal/kafka"
	"github.com/ledgerguard/compliance-engine/internal/lists"
	"github.com/ledgerguard/compliance-engine/internal/metrics"
	"github.com/ledgerguard/compliance-engine/internal/rules"
	"github.com/ledgerguard/compliance-engine/internal/scheduler"
	"github.com/ledgerguard/compliance-engine/internal/stream"
)

const (
	serviceName = "compliance-engine"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg)
	logger.Info("Starting Compliance Engine Service",
		"service", serviceName,
		"version", version,
		"environment", cfg.Environment)

	if err := database.RunMigrations(cfg.Database); err != nil {
		logger.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	db, err := database.Connect(cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database connection", "error", err)
		}
	}()

	// Repositories
	templateRepo := database.NewTemplateRepository(db, logger)
	versionRepo := database.NewVersionRepository(db, logger)
	transactionRepo := database.NewTransactionRepository(db, logger)
	evaluationRepo := database.NewEvaluationRepository(db, logger)
	alertRepo := database.NewAlertRepository(db, logger)
	listRepo := database.NewListRepository(db, logger)

	// Cache tiers
	redisClient := cache.NewRedisClient(cfg.Redis, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}
	cacheLayer := cache.New(cfg.Cache, redisClient, logger)

	// Domain services
	templateService := rules.NewTemplateService(db, templateRepo, versionRepo, cacheLayer, cfg.Evaluation.MaxInheritanceDepth, logger)
	versionService := rules.NewVersionService(db, templateRepo, versionRepo, cacheLayer, logger)
	listService := lists.NewService(db, listRepo, cacheLayer, logger)
	behaviorService := behavior.NewService(transactionRepo, cfg.Evaluation.BehavioralLookbackDays, cfg.Evaluation.ColdStartThreshold, logger)
	alertService := alerts.NewService(db, alertRepo, logger)
	factBuilder := evaluation.NewFactBuilder(transactionRepo, listService, behaviorService, logger)
	evaluationService := evaluation.NewService(db, transactionRepo, evaluationRepo, versionService, factBuilder, alertService, cfg.Evaluation.RequestTimeout, logger)

	// Post-commit notifiers
	collector := metrics.NewCollector(logger)
	evaluationService.AddNotifier(collector)
	cacheLayer.SetMetricsRecorder(collector)

	hub := stream.NewHub(logger)
	go hub.Run()
	evaluationService.AddNotifier(hub)

	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(cfg.Kafka, logger)
		if err != nil {
			logger.Error("Failed to connect Kafka producer", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		evaluationService.AddNotifier(producer)
	}

	// Scheduler
	if cfg.Scheduler.Enabled {
		sched := scheduler.New(cfg.Scheduler, alertRepo, cacheLayer, logger)
		if err := sched.Start(); err != nil {
			logger.Error("Failed to start scheduler", "error", err)
			os.Exit(1)
		}
		defer sched.Stop()
	}

	// HTTP server
	handler := handlers.New(logger, evaluationService, templateService, versionService, listService, alertService, hub, collector)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Starting HTTP server", "port", cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server gracefully", "error", err)
	}

	logger.Info("Service shutdown complete")
}

// setupLogging configures structured logging.
func setupLogging(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.Debug {
		level = slog.LevelDebug
	}

	options := &slog.HandlerOptions{Level: level, AddSource: cfg.Debug}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, options)
	} else {
		handler = slog.NewTextHandler(os.Stdout, options)
	}

	logger := slog.New(handler).With("service", serviceName)
	slog.SetDefault(logger)
	return logger
}
