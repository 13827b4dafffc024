package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carebridge-health/intake-engine/cmd/mainconfig"
	"github.com/carebridge-health/intake-engine/internal/api/router"
	"github.com/carebridge-health/intake-engine/internal/audit"
	appconfig "github.com/carebridge-health/intake-engine/internal/config"
	"github.com/carebridge-health/intake-engine/internal/dispatch"
	"github.com/carebridge-health/intake-engine/internal/http/handlers"
	"github.com/carebridge-health/intake-engine/internal/intake"
	"github.com/carebridge-health/intake-engine/internal/observability/metrics"
	"github.com/carebridge-health/intake-engine/pkg/logging"
)

func main() {
	// A missing .env file is fine outside local development.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting intake-engine API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx := context.Background()
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	store := intake.NewDynamoStore(dynamoClient, cfg.IntakeTable, logger)

	intakeMetrics := metrics.NewIntakeMetrics(prometheus.DefaultRegisterer)

	sqsClient := sqs.NewFromConfig(awsCfg)
	dispatcher := dispatch.New(logger,
		dispatch.WithWorkerCount(cfg.WorkerCount),
		dispatch.WithMaxAttempts(cfg.MaxDeliveryAttempts),
		dispatch.WithMetrics(intakeMetrics),
	)
	mainconfig.RegisterChannels(dispatcher, cfg, sqsClient)
	if cfg.UseMemoryQueue {
		logger.Warn("using in-memory queues; published messages are only consumed in-process")
	}

	// The audit database is optional; without it failed calls and error
	// records are not persisted and the admin error listing returns 503.
	var (
		failedCalls handlers.FailedCallWriter
		errorStore  handlers.ErrorLister
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to audit database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		failedCalls = audit.NewFailedCallStore(pool)
		errorStore = audit.NewErrorStore(pool)
	} else {
		logger.Warn("DATABASE_URL not set; audit trail disabled")
	}

	intakeHandler := handlers.NewIntakeHandler(handlers.IntakeHandlerConfig{
		Store:       store,
		Publisher:   dispatcher,
		FailedCalls: failedCalls,
		Metrics:     intakeMetrics,
		Logger:      logger,
	})
	adminHandler := handlers.NewAdminHandler(handlers.AdminHandlerConfig{
		Store:       store,
		Publisher:   dispatcher,
		DeadLetters: dispatcher,
		ErrorStore:  errorStore,
		Logger:      logger,
	})

	r := router.New(&router.Config{
		Logger:             logger,
		IntakeHandler:      intakeHandler,
		AdminHandler:       adminHandler,
		MetricsHandler:     promhttp.Handler(),
		AdminAuthSecret:    cfg.AdminJWTSecret,
		CORSAllowedOrigins: cfg.CORSOriginList(),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}
