package billing

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"subsync/internal/external"
	"subsync/internal/types"
)

// EventArchive stores processed events for audit and replay.
type EventArchive interface {
	Archive(ctx context.Context, rec *types.WebhookEventRecord) error
}

// DeadLetterPublisher forwards events whose processing failed so they can
// be replayed after the underlying fault is fixed.
type DeadLetterPublisher interface {
	Publish(ctx context.Context, eventID, eventType string, payload []byte, reason string) error
}

// MetricsSink counts event dispositions. Implementations must be cheap and
// must never fail the caller.
type MetricsSink interface {
	CountEvent(ctx context.Context, eventType string, outcome types.EventOutcome)
}

// Dispatcher routes verified webhook payloads to their handlers and owns
// the cross-cutting concerns around each delivery: panic isolation, the
// event archive, dead-lettering, and metrics.
//
// The webhook endpoint acknowledges every verified event regardless of what
// happens here. A handler failure is recorded and dead-lettered, never
// bubbled into the HTTP response, because a non-2xx would only make the
// provider redeliver an event that will fail the same way.
type Dispatcher struct {
	orchestrator *Orchestrator
	lifecycle    *LifecycleSync
	archive      EventArchive
	deadLetters  DeadLetterPublisher
	metrics      MetricsSink
	logger       *slog.Logger
	now          func() time.Time
}

// NewDispatcher creates a Dispatcher. archive, deadLetters, and metrics may
// be nil; the corresponding concern is then skipped.
func NewDispatcher(
	orchestrator *Orchestrator,
	lifecycle *LifecycleSync,
	archive EventArchive,
	deadLetters DeadLetterPublisher,
	metrics MetricsSink,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		orchestrator: orchestrator,
		lifecycle:    lifecycle,
		archive:      archive,
		deadLetters:  deadLetters,
		metrics:      metrics,
		logger:       logger,
		now:          time.Now,
	}
}

// Dispatch processes one verified webhook payload end to end and reports
// how it was resolved. It never returns an error: every failure mode is
// absorbed here.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) types.EventOutcome {
	evt, err := ParseEvent(payload)
	if err != nil {
		// A verified but malformed body. Acknowledge and drop; redelivery
		// would produce the same bytes.
		d.logger.ErrorContext(ctx, "dropping malformed webhook event",
			slog.Any("error", err),
		)
		d.count(ctx, "malformed", types.EventOutcomeIgnored)
		return types.EventOutcomeIgnored
	}

	outcome, procErr := d.route(ctx, evt)

	rec := &types.WebhookEventRecord{
		ID:         evt.ID,
		Type:       evt.Type,
		Payload:    payload,
		Outcome:    outcome,
		ReceivedAt: d.now().UTC(),
	}
	if procErr != nil {
		rec.Error = procErr.Error()
	}
	if d.archive != nil {
		if err := d.archive.Archive(ctx, rec); err != nil {
			d.logger.ErrorContext(ctx, "failed to archive webhook event",
				slog.String("event_id", evt.ID),
				slog.Any("error", err),
			)
		}
	}

	if outcome == types.EventOutcomeFailed && d.deadLetters != nil {
		reason := "handler error"
		if procErr != nil {
			reason = procErr.Error()
		}
		if err := d.deadLetters.Publish(ctx, evt.ID, evt.Type, payload, reason); err != nil {
			d.logger.ErrorContext(ctx, "failed to dead-letter webhook event",
				slog.String("event_id", evt.ID),
				slog.Any("error", err),
			)
		}
	}

	d.count(ctx, evt.Type, outcome)
	return outcome
}

// route hands the event to its handler, converting panics into failed
// outcomes so one bad event cannot take the endpoint down.
func (d *Dispatcher) route(ctx context.Context, evt *Event) (outcome types.EventOutcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.ErrorContext(ctx, "panic while processing webhook event",
				slog.String("event_id", evt.ID),
				slog.String("event_type", evt.Type),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			outcome = types.EventOutcomeFailed
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	d.logger.InfoContext(ctx, "processing webhook event",
		slog.String("event_id", evt.ID),
		slog.String("event_type", evt.Type),
	)

	switch evt.Type {
	case external.EventInvoiceCreated:
		outcome, err = d.orchestrator.HandleInvoiceCreated(ctx, evt)
	case external.EventInvoicePaid:
		outcome, err = d.lifecycle.HandleInvoicePaymentSucceeded(ctx, evt)
	case external.EventSubUpdated:
		outcome, err = d.lifecycle.HandleSubscriptionUpdated(ctx, evt)
	case external.EventSubDeleted:
		outcome, err = d.lifecycle.HandleSubscriptionDeleted(ctx, evt)
	default:
		d.logger.InfoContext(ctx, "ignoring unrecognized webhook event type",
			slog.String("event_id", evt.ID),
			slog.String("event_type", evt.Type),
		)
		return types.EventOutcomeIgnored, nil
	}

	if err != nil {
		d.logger.ErrorContext(ctx, "webhook event processing failed",
			slog.String("event_id", evt.ID),
			slog.String("event_type", evt.Type),
			slog.Any("error", err),
		)
	}
	return outcome, err
}

func (d *Dispatcher) count(ctx context.Context, eventType string, outcome types.EventOutcome) {
	if d.metrics != nil {
		d.metrics.CountEvent(ctx, eventType, outcome)
	}
}

// NewLockSet returns a fresh per-subscription lock set for wiring the
// orchestrator and lifecycle handlers together.
func NewLockSet() *keyedMutex {
	return newKeyedMutex()
}
