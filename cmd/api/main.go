// Package main is the entry point for the subsync API server.
//
// It loads configuration, connects the Postgres pool, wires the Stripe
// lifecycle and capture clients, the email provider, the webhook dispatcher,
// and the HTTP chassis, then serves until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"

	"subsync/internal/api/handlers"
	"subsync/internal/billing"
	"subsync/internal/config"
	"subsync/internal/core"
	"subsync/internal/db"
	"subsync/internal/external"
	"subsync/internal/metrics"
	"subsync/internal/notify"
	"subsync/internal/queue"
	"subsync/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("subsync API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
		"email_provider", cfg.Email.Provider,
	)

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database pool: %w", err)
	}
	defer pool.Close()

	customers := db.NewCustomerRepository(pool)
	subscriptions := db.NewSubscriptionRepository(pool, logger)
	captures := db.NewCaptureRepository(pool)
	events, err := db.NewEventRepository(pool)
	if err != nil {
		return fmt.Errorf("creating event repository: %w", err)
	}

	// The lifecycle account is the system of record; the capture account is
	// only ever used for manual payment capture. Separate credentials,
	// separate circuit breakers.
	lifecycleClient := external.NewStripeLifecycleClient(
		&http.Client{Timeout: 20 * time.Second},
		external.StripeClientConfig{
			SecretKey: cfg.Billing.LifecycleSecretKey.Unmask(),
			Logger:    logger,
		},
	)
	captureClient := external.NewStripeCaptureClient(
		&http.Client{Timeout: cfg.Billing.CaptureTimeout},
		external.StripeClientConfig{
			SecretKey: cfg.Billing.CaptureSecretKey.Unmask(),
			Logger:    logger,
		},
		cfg.Server.FrontendURL+"/billing/return",
	)

	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	notifier, err := buildNotifier(cfg, awsCfg, customers, logger)
	if err != nil {
		return fmt.Errorf("building notifier: %w", err)
	}

	var deadLetters billing.DeadLetterPublisher = queue.NoopDeadLetterQueue{}
	if cfg.AWS.DeadLetterQueue != "" {
		deadLetters = queue.NewDeadLetterQueue(sqs.NewFromConfig(awsCfg), cfg.AWS.DeadLetterQueue, logger)
	}

	var metricsSink billing.MetricsSink = metrics.NoopSink{}
	if cfg.AWS.EnableMetrics {
		metricsSink = metrics.NewCloudWatchSink(cloudwatch.NewFromConfig(awsCfg), cfg.AWS.MetricNamespace, logger)
	}

	locks := billing.NewLockSet()
	orchestrator := billing.NewOrchestrator(subscriptions, captures, captureClient, notifier, locks, logger)
	lifecycleSync := billing.NewLifecycleSync(subscriptions, notifier, locks, logger)
	dispatcher := billing.NewDispatcher(orchestrator, lifecycleSync, events, deadLetters, metricsSink, logger)

	provisioner := billing.NewProvisioner(customers, subscriptions, lifecycleClient, logger)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	webhookHandler := handlers.NewWebhookHandler(
		&external.StripeVerifier{},
		dispatcher,
		cfg.Billing.LifecycleWebhookSecret,
		logger,
	)
	subsHandler := handlers.NewSubscriptionsHandler(provisioner, srv.Validator, logger)
	adminHandler := handlers.NewAdminHandler(events, lifecycleClient, captures, cfg.Security.AdminAPIKeyHash, logger)

	srv.MountRoutes(
		[]core.RouteRegistrar{
			func(r chi.Router) { webhookHandler.RegisterRoutes(r) },
		},
		[]core.RouteRegistrar{
			func(r chi.Router) { subsHandler.RegisterRoutes(r) },
			func(r chi.Router) { adminHandler.RegisterRoutes(r) },
		},
	)

	return runHTTPServer(srv, cfg, logger)
}

// loadAWSConfig resolves the AWS SDK configuration, honoring an endpoint
// override for LocalStack development.
func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, err
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}
	return awsCfg, nil
}

// buildNotifier assembles the notification dispatcher for the configured
// email provider. With provider "none" every notification becomes a no-op.
func buildNotifier(cfg *config.Config, awsCfg aws.Config, customers *db.CustomerRepository, logger *slog.Logger) (billing.Notifier, error) {
	if cfg.Email.Provider == "none" {
		return notify.NewNoopNotifier(logger), nil
	}

	renderer, err := notify.NewRenderer(cfg.Email.FromName)
	if err != nil {
		return nil, fmt.Errorf("parsing email templates: %w", err)
	}

	var provider external.EmailProvider
	switch cfg.Email.Provider {
	case "ses":
		provider = external.NewSESClient(awsCfg, external.SESClientConfig{
			ConfigSetName: cfg.Email.SESConfigSet,
			Logger:        logger,
		})
	default:
		provider = external.NewSendGridClient(
			&http.Client{Timeout: 10 * time.Second},
			external.SendGridClientConfig{
				APIKey: cfg.Email.SendGridAPIKey.Unmask(),
				Logger: logger,
			},
		)
	}

	from := types.SenderIdentity{
		Name:    cfg.Email.FromName,
		Address: cfg.Email.FromAddress,
	}
	return notify.NewEmailNotifier(provider, customers, renderer, from, logger), nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	return slog.New(handler)
}
