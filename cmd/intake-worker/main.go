package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/carebridge-health/intake-engine/cmd/mainconfig"
	"github.com/carebridge-health/intake-engine/internal/athena"
	"github.com/carebridge-health/intake-engine/internal/audit"
	appconfig "github.com/carebridge-health/intake-engine/internal/config"
	"github.com/carebridge-health/intake-engine/internal/credential"
	"github.com/carebridge-health/intake-engine/internal/dispatch"
	"github.com/carebridge-health/intake-engine/internal/intake"
	"github.com/carebridge-health/intake-engine/internal/notify"
	"github.com/carebridge-health/intake-engine/internal/observability/metrics"
	"github.com/carebridge-health/intake-engine/internal/reconciler"
	"github.com/carebridge-health/intake-engine/internal/stages"
	"github.com/carebridge-health/intake-engine/internal/workflow"
	"github.com/carebridge-health/intake-engine/pkg/logging"
)

func main() {
	// A missing .env file is fine outside local development.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting intake worker", "env", cfg.Env)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required; the activity and error stages persist to Postgres")
		os.Exit(1)
	}
	if cfg.TokenURL == "" {
		logger.Error("TOKEN_URL is required for scheduling API credentials")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	store := intake.NewDynamoStore(dynamoClient, cfg.IntakeTable, logger)
	credStore := credential.NewStore(dynamoClient, cfg.CredentialTable, cfg.TokenExpiryBuffer, logger)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		opts := &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		redisClient = redis.NewClient(opts)
		defer func() { _ = redisClient.Close() }()
	}
	tokenCache := credential.NewCache(credStore, redisClient, cfg.TokenExpiryBuffer, logger)

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to audit database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	intakeMetrics := metrics.NewIntakeMetrics(prometheus.DefaultRegisterer)

	sqsClient := sqs.NewFromConfig(awsCfg)
	dispatcher := dispatch.New(logger,
		dispatch.WithWorkerCount(cfg.WorkerCount),
		dispatch.WithMaxAttempts(cfg.MaxDeliveryAttempts),
		dispatch.WithHandleTimeout(cfg.StageHandleTimeout),
		dispatch.WithMetrics(intakeMetrics),
	)
	mainconfig.RegisterChannels(dispatcher, cfg, sqsClient)

	schedulingClient := athena.NewClient(cfg.AthenaBaseURL, cfg.AthenaPracticeID, tokenCache, logger,
		athena.WithTimeout(cfg.AthenaTimeout))

	alerter := buildAlerter(cfg, awsCfg, logger)

	dispatcher.RegisterHandler(workflow.ChannelCreatePatient,
		stages.NewPatientCreator(store, schedulingClient, dispatcher, cfg.AthenaDepartmentID, logger))
	dispatcher.RegisterHandler(workflow.ChannelBookAppointment,
		stages.NewBooker(store, schedulingClient, dispatcher, logger))
	dispatcher.RegisterHandler(workflow.ChannelActivity,
		stages.NewActivityLogger(audit.NewActivityStore(pool), logger))
	dispatcher.RegisterHandler(workflow.ChannelErrors,
		stages.NewErrorReporter(audit.NewErrorStore(pool), alerter, logger))

	refresher := credential.NewRefresher(
		credential.NewProvider(credential.ProviderConfig{
			TokenURL:     cfg.TokenURL,
			ClientID:     cfg.TokenClientID,
			ClientSecret: cfg.TokenClientSecret,
			Scope:        cfg.TokenScope,
		}, logger),
		credStore,
		tokenCache,
		dispatcher,
		logger,
	).WithInterval(cfg.TokenRefreshEvery).WithMetrics(intakeMetrics)

	sweeper := reconciler.New(store, dispatcher, logger).
		WithInterval(cfg.ReconcileInterval).
		WithStuckAfter(cfg.StuckAfter).
		WithMaxRetries(cfg.ReconcilerMaxRetries).
		WithMetrics(intakeMetrics)

	go refresher.Start(ctx)
	go sweeper.Start(ctx)
	dispatcher.Start(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down intake worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()

	waitCh := make(chan struct{})
	go func() {
		dispatcher.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("intake worker stopped")
	case <-doneCtx.Done():
		logger.Error("intake worker shutdown timed out", "error", doneCtx.Err())
	}
}

// buildAlerter picks the email provider. Returning nil disables alerts; the
// error stage still persists every failure.
func buildAlerter(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) stages.Alerter {
	recipients := cfg.AlertRecipientList()
	if len(recipients) == 0 {
		logger.Warn("ALERT_RECIPIENTS not set; stage failure emails disabled")
		return nil
	}

	var sender notify.EmailSender
	switch cfg.EmailProvider {
	case "sendgrid":
		if s := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFrom,
		}, logger); s != nil {
			sender = s
		}
	case "stub":
		sender = notify.NewStubEmailSender(logger)
	default:
		if s := notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.SESFromName,
		}, logger); s != nil {
			sender = s
		}
	}
	if sender == nil {
		logger.Warn("email provider not configured; stage failure emails disabled", "provider", cfg.EmailProvider)
		return nil
	}
	return notify.NewService(sender, recipients, logger)
}
