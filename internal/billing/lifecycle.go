package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"subsync/internal/db"
	"subsync/internal/types"
)

// LifecycleStore is the subset of the subscription repository the lifecycle
// handlers need.
type LifecycleStore interface {
	GetByStripeID(ctx context.Context, stripeSubID string) (*types.Subscription, error)
	SyncLifecycle(ctx context.Context, p db.SyncLifecycleParams) error
	MarkCanceled(ctx context.Context, stripeSubID string, canceledAt time.Time) error
	ConfirmPayment(ctx context.Context, stripeSubID string, paidAt time.Time) error
}

// LifecycleSync applies subscription lifecycle events from the primary
// account to local state. The primary account is authoritative for status
// and period boundaries, with one exception: a locally canceled
// subscription stays canceled no matter what arrives.
type LifecycleSync struct {
	subs     LifecycleStore
	notifier Notifier
	locks    *keyedMutex
	logger   *slog.Logger
}

// NewLifecycleSync creates a LifecycleSync sharing the orchestrator's keyed
// mutex.
func NewLifecycleSync(subs LifecycleStore, notifier Notifier, locks *keyedMutex, logger *slog.Logger) *LifecycleSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &LifecycleSync{
		subs:     subs,
		notifier: notifier,
		locks:    locks,
		logger:   logger,
	}
}

// HandleSubscriptionUpdated overwrites local lifecycle state from a
// customer.subscription.updated event. Stale and duplicate deliveries
// degrade to no-ops through the repository's optimistic lock; events for
// subscriptions this service does not track are skipped.
func (l *LifecycleSync) HandleSubscriptionUpdated(ctx context.Context, evt *Event) (types.EventOutcome, error) {
	sub, err := evt.Subscription()
	if err != nil {
		return types.EventOutcomeFailed, err
	}

	unlock := l.locks.Lock(sub.ID)
	defer unlock()

	current, err := l.subs.GetByStripeID(ctx, sub.ID)
	if err != nil {
		if isNotFound(err) {
			l.logger.WarnContext(ctx, "skipping lifecycle update: unknown subscription",
				slog.String("event_id", evt.ID),
				slog.String("stripe_subscription_id", sub.ID),
			)
			return types.EventOutcomeSkipped, nil
		}
		return types.EventOutcomeFailed, err
	}

	next := types.ParseSubscriptionStatus(sub.Status)
	if !current.Status.CanTransition(next) {
		// Provider state still wins (out-of-order deliveries die on the
		// repository's optimistic lock), but an off-contract jump is worth a
		// trace in the logs.
		l.logger.WarnContext(ctx, "unexpected lifecycle transition",
			slog.String("event_id", evt.ID),
			slog.String("stripe_subscription_id", sub.ID),
			slog.String("from", string(current.Status)),
			slog.String("to", string(next)),
		)
	}

	params := db.SyncLifecycleParams{
		StripeSubscriptionID: sub.ID,
		Status:               next,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		EventTimestamp:       evt.Timestamp(),
	}
	if sub.CurrentPeriodStart > 0 {
		params.CurrentPeriodStart = time.Unix(sub.CurrentPeriodStart, 0).UTC()
	}
	if sub.CurrentPeriodEnd > 0 {
		params.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	if sub.CanceledAt > 0 {
		canceledAt := time.Unix(sub.CanceledAt, 0).UTC()
		params.CanceledAt = &canceledAt
	}

	if err := l.subs.SyncLifecycle(ctx, params); err != nil {
		return types.EventOutcomeFailed, err
	}

	l.logger.InfoContext(ctx, "subscription lifecycle synced",
		slog.String("event_id", evt.ID),
		slog.String("stripe_subscription_id", sub.ID),
		slog.String("status", sub.Status),
	)
	return types.EventOutcomeProcessed, nil
}

// HandleSubscriptionDeleted moves the subscription into the terminal
// canceled state. Idempotent: redelivery of the deletion event is a no-op,
// and the cancellation email is only sent on the transition.
func (l *LifecycleSync) HandleSubscriptionDeleted(ctx context.Context, evt *Event) (types.EventOutcome, error) {
	subEvt, err := evt.Subscription()
	if err != nil {
		return types.EventOutcomeFailed, err
	}

	unlock := l.locks.Lock(subEvt.ID)
	defer unlock()

	sub, err := l.subs.GetByStripeID(ctx, subEvt.ID)
	if err != nil {
		if isNotFound(err) {
			l.logger.WarnContext(ctx, "skipping cancellation: unknown subscription",
				slog.String("event_id", evt.ID),
				slog.String("stripe_subscription_id", subEvt.ID),
			)
			return types.EventOutcomeSkipped, nil
		}
		return types.EventOutcomeFailed, err
	}

	alreadyCanceled := sub.Status.IsTerminal()

	if err := l.subs.MarkCanceled(ctx, subEvt.ID, subEvt.CanceledTime(evt.Timestamp())); err != nil {
		return types.EventOutcomeFailed, err
	}

	if alreadyCanceled {
		l.logger.InfoContext(ctx, "subscription already canceled",
			slog.String("event_id", evt.ID),
			slog.String("stripe_subscription_id", subEvt.ID),
		)
		return types.EventOutcomeSkipped, nil
	}

	l.logger.InfoContext(ctx, "subscription canceled",
		slog.String("event_id", evt.ID),
		slog.String("stripe_subscription_id", subEvt.ID),
	)

	if err := l.notifier.SubscriptionCanceled(ctx, sub); err != nil {
		l.logger.WarnContext(ctx, "cancellation notification failed",
			slog.String("stripe_subscription_id", subEvt.ID),
			slog.Any("error", err),
		)
	}
	return types.EventOutcomeProcessed, nil
}

// HandleInvoicePaymentSucceeded applies the primary account's payment
// confirmation: the subscription returns to active and retry bookkeeping
// resets. This fires both for invoices this service captured and for ones
// the primary account settled on its own.
//
// When the settled payment was the subscription's first invoice, or it
// cleared a pending retry, the customer gets a confirmation email with the
// plan and next billing date from the invoice's first line item.
func (l *LifecycleSync) HandleInvoicePaymentSucceeded(ctx context.Context, evt *Event) (types.EventOutcome, error) {
	inv, err := evt.Invoice()
	if err != nil {
		return types.EventOutcomeFailed, err
	}

	subRef := inv.SubscriptionRef()
	if subRef == "" {
		l.logger.InfoContext(ctx, "skipping payment confirmation: no subscription reference",
			slog.String("event_id", evt.ID),
			slog.String("invoice_id", inv.ID),
		)
		return types.EventOutcomeSkipped, nil
	}

	unlock := l.locks.Lock(subRef)
	defer unlock()

	sub, err := l.subs.GetByStripeID(ctx, subRef)
	if err != nil {
		if isNotFound(err) {
			l.logger.WarnContext(ctx, "skipping payment confirmation: unknown subscription",
				slog.String("event_id", evt.ID),
				slog.String("stripe_subscription_id", subRef),
			)
			return types.EventOutcomeSkipped, nil
		}
		return types.EventOutcomeFailed, err
	}

	// Read before ConfirmPayment resets the counter.
	wasRetry := sub.RetryAttempts > 0

	if err := l.subs.ConfirmPayment(ctx, subRef, evt.Timestamp()); err != nil {
		return types.EventOutcomeFailed, err
	}

	l.logger.InfoContext(ctx, "payment confirmed",
		slog.String("event_id", evt.ID),
		slog.String("stripe_subscription_id", subRef),
		slog.String("invoice_id", inv.ID),
	)

	if wasRetry || inv.BillingReason == types.BillingReasonSubscriptionCreate {
		if err := l.notifier.SubscriptionConfirmed(ctx, sub, inv.PlanID(), inv.NextBillingDate()); err != nil {
			l.logger.WarnContext(ctx, "confirmation notification failed",
				slog.String("stripe_subscription_id", subRef),
				slog.Any("error", err),
			)
		}
	}
	return types.EventOutcomeProcessed, nil
}

// isNotFound reports whether err is the repository's subscription-not-found
// error.
func isNotFound(err error) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundSubscription
}
