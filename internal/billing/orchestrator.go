package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"subsync/internal/external"
	"subsync/internal/types"
)

// SubscriptionStore is the subset of the subscription repository the
// reconciliation handlers need.
type SubscriptionStore interface {
	GetByStripeID(ctx context.Context, stripeSubID string) (*types.Subscription, error)
	ApplyCaptureSuccess(ctx context.Context, stripeSubID string, paidAt time.Time) error
	ApplyCaptureFailure(ctx context.Context, stripeSubID string, invoiceURL string, failedAt time.Time) error
}

// CaptureLedger is the idempotency ledger consulted before every capture.
type CaptureLedger interface {
	Exists(ctx context.Context, invoiceID string) (bool, error)
	Record(ctx context.Context, rec *types.CaptureRecord) (bool, error)
}

// Notifier sends customer-facing payment emails. Delivery failures never
// change reconciliation outcomes; callers log and continue.
type Notifier interface {
	PaymentSucceeded(ctx context.Context, sub *types.Subscription, invoiceID string, amountCents int64, currency string) error
	PaymentActionRequired(ctx context.Context, sub *types.Subscription, invoiceID, hostedInvoiceURL string) error
	PaymentFailed(ctx context.Context, sub *types.Subscription, invoiceID, hostedInvoiceURL string, amountCents int64, currency string) error
	SubscriptionConfirmed(ctx context.Context, sub *types.Subscription, planID string, nextBillingDate time.Time) error
	SubscriptionCanceled(ctx context.Context, sub *types.Subscription) error
}

// Orchestrator reconciles invoice.created events: it decides whether an
// invoice needs a manual capture on the secondary account, performs at most
// one capture per invoice, and applies the classified outcome to local
// state.
type Orchestrator struct {
	subs     SubscriptionStore
	ledger   CaptureLedger
	capture  external.CaptureClient
	notifier Notifier
	locks    *keyedMutex
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrchestrator creates an Orchestrator. locks must be the same keyed
// mutex the lifecycle handlers use, so that capture and lifecycle writes
// for one subscription never interleave.
func NewOrchestrator(
	subs SubscriptionStore,
	ledger CaptureLedger,
	capture external.CaptureClient,
	notifier Notifier,
	locks *keyedMutex,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		subs:     subs,
		ledger:   ledger,
		capture:  capture,
		notifier: notifier,
		locks:    locks,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleInvoiceCreated runs the capture decision for one invoice.created
// event.
//
// Skip conditions, checked in order before any capture attempt:
//   - the invoice is already paid;
//   - the invoice has no subscription reference;
//   - the amount due is zero;
//   - the local subscription is unknown or canceled;
//   - the invoice already has a ledger entry.
//
// A returned error means the capture outcome is unknown (vendor unreachable
// or 5xx); the caller routes the event to the dead letter queue and relies
// on provider redelivery. Definitive declines are a processed outcome, not
// an error.
func (o *Orchestrator) HandleInvoiceCreated(ctx context.Context, evt *Event) (types.EventOutcome, error) {
	inv, err := evt.Invoice()
	if err != nil {
		return types.EventOutcomeFailed, err
	}

	log := o.logger.With(
		slog.String("event_id", evt.ID),
		slog.String("invoice_id", inv.ID),
	)

	if inv.Paid || inv.Status == "paid" {
		log.InfoContext(ctx, "skipping invoice: already paid")
		return types.EventOutcomeSkipped, nil
	}

	subRef := inv.SubscriptionRef()
	if subRef == "" {
		log.InfoContext(ctx, "skipping invoice: no subscription reference")
		return types.EventOutcomeSkipped, nil
	}

	if inv.AmountDue == 0 {
		log.InfoContext(ctx, "skipping invoice: zero amount due")
		return types.EventOutcomeSkipped, nil
	}

	unlock := o.locks.Lock(subRef)
	defer unlock()

	sub, err := o.subs.GetByStripeID(ctx, subRef)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundSubscription {
			// Not ours: a subscription provisioned outside this service, or
			// one deleted locally. Ack and move on; redelivery cannot fix it.
			log.WarnContext(ctx, "skipping invoice: unknown subscription",
				slog.String("stripe_subscription_id", subRef),
			)
			return types.EventOutcomeSkipped, nil
		}
		return types.EventOutcomeFailed, err
	}

	if sub.Status.IsTerminal() {
		log.InfoContext(ctx, "skipping invoice: subscription canceled",
			slog.String("stripe_subscription_id", subRef),
		)
		return types.EventOutcomeSkipped, nil
	}

	captured, err := o.ledger.Exists(ctx, inv.ID)
	if err != nil {
		return types.EventOutcomeFailed, err
	}
	if captured {
		log.InfoContext(ctx, "skipping invoice: capture already recorded")
		return types.EventOutcomeSkipped, nil
	}

	result, err := o.capture.Capture(ctx, types.CaptureRequest{
		InvoiceID:       inv.ID,
		AmountCents:     inv.AmountDue,
		Currency:        inv.Currency,
		PaymentMethodID: sub.PaymentMethodID,
		CustomerID:      sub.StripeCustomerID,
		Metadata: map[string]string{
			"stripe_subscription_id": subRef,
		},
	})
	if err != nil {
		log.ErrorContext(ctx, "capture attempt failed with unknown outcome",
			slog.String("stripe_subscription_id", subRef),
			slog.Any("error", err),
		)
		return types.EventOutcomeFailed, err
	}

	switch result.Outcome {
	case types.CaptureSucceeded:
		return o.applySuccess(ctx, log, sub, inv, result)
	case types.CaptureRequiresAction:
		return o.applyRequiresAction(ctx, log, sub, inv)
	default:
		return o.applyFailure(ctx, log, sub, inv, result)
	}
}

func (o *Orchestrator) applySuccess(ctx context.Context, log *slog.Logger, sub *types.Subscription, inv *InvoiceEvent, result *types.CaptureResult) (types.EventOutcome, error) {
	now := o.now().UTC()

	inserted, err := o.ledger.Record(ctx, &types.CaptureRecord{
		InvoiceID:            inv.ID,
		StripeSubscriptionID: sub.StripeSubscriptionID,
		PaymentIntentID:      result.PaymentIntentID,
		AmountCents:          inv.AmountDue,
		Currency:             inv.Currency,
		CapturedAt:           now,
	})
	if err != nil {
		// The charge landed but the ledger write failed. Surface the error
		// so the event is redelivered; the provider idempotency key makes
		// the replayed capture a no-op.
		return types.EventOutcomeFailed, err
	}
	if !inserted {
		log.WarnContext(ctx, "capture ledger row already present after successful capture")
	}

	if err := o.subs.ApplyCaptureSuccess(ctx, sub.StripeSubscriptionID, now); err != nil {
		return types.EventOutcomeFailed, err
	}

	log.InfoContext(ctx, "invoice captured",
		slog.String("stripe_subscription_id", sub.StripeSubscriptionID),
		slog.String("payment_intent_id", result.PaymentIntentID),
		slog.Int64("amount_cents", inv.AmountDue),
	)

	if err := o.notifier.PaymentSucceeded(ctx, sub, inv.ID, inv.AmountDue, inv.Currency); err != nil {
		log.WarnContext(ctx, "payment success notification failed", slog.Any("error", err))
	}
	return types.EventOutcomeProcessed, nil
}

func (o *Orchestrator) applyRequiresAction(ctx context.Context, log *slog.Logger, sub *types.Subscription, inv *InvoiceEvent) (types.EventOutcome, error) {
	// No local state change: the subscription keeps its current status until
	// the customer completes authentication and a later event settles the
	// invoice.
	log.InfoContext(ctx, "capture requires customer action",
		slog.String("stripe_subscription_id", sub.StripeSubscriptionID),
	)

	if err := o.notifier.PaymentActionRequired(ctx, sub, inv.ID, inv.HostedInvoiceURL); err != nil {
		log.WarnContext(ctx, "action required notification failed", slog.Any("error", err))
	}
	return types.EventOutcomeProcessed, nil
}

func (o *Orchestrator) applyFailure(ctx context.Context, log *slog.Logger, sub *types.Subscription, inv *InvoiceEvent, result *types.CaptureResult) (types.EventOutcome, error) {
	now := o.now().UTC()

	if err := o.subs.ApplyCaptureFailure(ctx, sub.StripeSubscriptionID, inv.HostedInvoiceURL, now); err != nil {
		return types.EventOutcomeFailed, err
	}

	log.WarnContext(ctx, "invoice capture declined",
		slog.String("stripe_subscription_id", sub.StripeSubscriptionID),
		slog.String("decline_code", result.DeclineCode),
	)

	if err := o.notifier.PaymentFailed(ctx, sub, inv.ID, inv.HostedInvoiceURL, inv.AmountDue, inv.Currency); err != nil {
		log.WarnContext(ctx, "payment failure notification failed", slog.Any("error", err))
	}
	return types.EventOutcomeProcessed, nil
}
