// Package main is the entrypoint for the redeliver worker Lambda function.
//
// The worker consumes the webhook dead-letter queue and re-runs each event
// through the same dispatcher the API uses. Events land here when their
// first processing attempt failed for a transient reason (database outage,
// capture account unreachable); by the time SQS delivers them the fault is
// usually gone.
//
// Cold start:
//  1. Load service configuration and connect the Postgres pool.
//  2. Wire the capture client, notifier, and billing dispatcher.
//  3. Register the SQS handler and call lambda.Start.
//
// Each SQS record carries a queue.DeadLetterMessage with the original
// verified payload. Signature verification is not repeated: the payload was
// verified at ingress and has only ever lived inside our infrastructure
// since.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"subsync/internal/billing"
	"subsync/internal/config"
	"subsync/internal/db"
	"subsync/internal/external"
	"subsync/internal/notify"
	"subsync/internal/queue"
	"subsync/internal/types"
)

// Handler holds the dependencies for the redeliver worker Lambda handler.
type Handler struct {
	dispatcher *billing.Dispatcher
	logger     *slog.Logger
}

// Handle processes an SQS event containing one or more dead-lettered webhook
// events. Messages that fail again are reported via partial batch responses
// so SQS retries only them; after the queue's redrive limit they stay on the
// DLQ for manual inspection.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.Error("failed to redeliver event",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processMessage re-dispatches a single dead-lettered event.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var msg queue.DeadLetterMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		h.logger.Error("failed to unmarshal dead-letter message",
			"message_id", record.MessageId,
			"error", err.Error(),
		)
		// Permanent parse failure - do not retry (return nil to ACK).
		return nil
	}

	outcome := h.dispatcher.Dispatch(ctx, msg.Payload)

	h.logger.Info("event redelivered",
		"event_id", msg.EventID,
		"event_type", msg.EventType,
		"original_reason", msg.Reason,
		"outcome", string(outcome),
	)

	if outcome == types.EventOutcomeFailed {
		return fmt.Errorf("event %s failed again on redelivery", msg.EventID)
	}
	return nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("redeliver worker initializing (cold start)")

	handler, err := buildHandler(context.Background(), logger)
	if err != nil {
		logger.Error("cold start failed", "error", err.Error())
		os.Exit(1)
	}

	lambda.Start(handler.Handle)
}

// buildHandler wires the dispatcher dependencies from configuration.
// Dead-lettering and metrics are not re-armed here; a failure surfaces
// through the partial batch response and SQS's own redrive policy instead
// of looping the event back onto the same queue.
func buildHandler(ctx context.Context, logger *slog.Logger) (*Handler, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting database pool: %w", err)
	}

	customers := db.NewCustomerRepository(pool)
	subscriptions := db.NewSubscriptionRepository(pool, logger)
	captures := db.NewCaptureRepository(pool)
	archive, err := db.NewEventRepository(pool)
	if err != nil {
		return nil, fmt.Errorf("creating event repository: %w", err)
	}

	captureClient := external.NewStripeCaptureClient(
		&http.Client{Timeout: cfg.Billing.CaptureTimeout},
		external.StripeClientConfig{
			SecretKey: cfg.Billing.CaptureSecretKey.Unmask(),
			Logger:    logger,
		},
		cfg.Server.FrontendURL+"/billing/return",
	)

	notifier, err := buildNotifier(cfg, customers, logger)
	if err != nil {
		return nil, fmt.Errorf("building notifier: %w", err)
	}

	locks := billing.NewLockSet()
	orchestrator := billing.NewOrchestrator(subscriptions, captures, captureClient, notifier, locks, logger)
	lifecycleSync := billing.NewLifecycleSync(subscriptions, notifier, locks, logger)
	dispatcher := billing.NewDispatcher(orchestrator, lifecycleSync, archive, nil, nil, logger)

	return &Handler{dispatcher: dispatcher, logger: logger}, nil
}

// buildNotifier mirrors the API server's notifier wiring for the SendGrid
// and disabled cases. With any other provider setting the worker falls back
// to silent redelivery; the original attempt already owned the customer
// notification.
func buildNotifier(cfg *config.Config, customers *db.CustomerRepository, logger *slog.Logger) (billing.Notifier, error) {
	if cfg.Email.Provider != "sendgrid" || cfg.Email.SendGridAPIKey.Unmask() == "" {
		return notify.NewNoopNotifier(logger), nil
	}

	renderer, err := notify.NewRenderer(cfg.Email.FromName)
	if err != nil {
		return nil, fmt.Errorf("parsing email templates: %w", err)
	}

	provider := external.NewSendGridClient(
		&http.Client{Timeout: 10 * time.Second},
		external.SendGridClientConfig{
			APIKey: cfg.Email.SendGridAPIKey.Unmask(),
			Logger: logger,
		},
	)

	from := types.SenderIdentity{
		Name:    cfg.Email.FromName,
		Address: cfg.Email.FromAddress,
	}
	return notify.NewEmailNotifier(provider, customers, renderer, from, logger), nil
}
