package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"subsync/internal/types"
)

// SubscriptionRepository provides data access for the subscriptions table.
//
// Key invariants enforced at the SQL layer, independent of caller locking:
//   - canceled is terminal: every UPDATE excludes rows already canceled, so
//     a stale event can never resurrect a canceled subscription.
//   - SyncLifecycle uses optimistic locking via last_event_at so out-of-order
//     lifecycle webhooks degrade to idempotent no-ops.
type SubscriptionRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepository creates a SubscriptionRepository backed by the
// given connection (pool or transaction).
func NewSubscriptionRepository(db DBTX, logger *slog.Logger) *SubscriptionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepository{db: db, logger: logger}
}

const subscriptionColumns = `s.id, s.customer_id, s.stripe_subscription_id, s.stripe_customer_id,
	s.payment_method_id, s.plan_id, s.stripe_price_id, s.stripe_product_id, s.status,
	s.current_period_start, s.current_period_end, s.trial_start, s.trial_end,
	s.canceled_at, s.cancel_at_period_end, s.amount_cents, s.currency,
	s.billing_interval, s.interval_count, s.retry_attempts, s.last_retry_at,
	s.last_payment_at, s.last_invoice_url, s.last_event_at, s.metadata,
	s.created_at, s.updated_at`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var sub types.Subscription
	var lastInvoiceURL *string

	err := row.Scan(
		&sub.ID,
		&sub.CustomerID,
		&sub.StripeSubscriptionID,
		&sub.StripeCustomerID,
		&sub.PaymentMethodID,
		&sub.PlanID,
		&sub.StripePriceID,
		&sub.StripeProductID,
		&sub.Status,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.TrialStart,
		&sub.TrialEnd,
		&sub.CanceledAt,
		&sub.CancelAtPeriodEnd,
		&sub.AmountCents,
		&sub.Currency,
		&sub.Interval,
		&sub.IntervalCount,
		&sub.RetryAttempts,
		&sub.LastRetryAt,
		&sub.LastPaymentAt,
		&lastInvoiceURL,
		&sub.LastEventAt,
		&sub.Metadata,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastInvoiceURL != nil {
		sub.LastInvoiceURL = *lastInvoiceURL
	}
	return &sub, nil
}

// Create inserts a new subscription record. The external subscription
// reference is unique and immutable; a duplicate maps to a conflict error.
func (r *SubscriptionRepository) Create(ctx context.Context, sub *types.Subscription) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (id, customer_id, stripe_subscription_id, stripe_customer_id,
		 payment_method_id, plan_id, stripe_price_id, stripe_product_id, status,
		 current_period_start, current_period_end, trial_start, trial_end,
		 cancel_at_period_end, amount_cents, currency, billing_interval, interval_count,
		 retry_attempts, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, 0, $19, NOW(), NOW())`,
		sub.ID,
		sub.CustomerID,
		sub.StripeSubscriptionID,
		sub.StripeCustomerID,
		sub.PaymentMethodID,
		sub.PlanID,
		sub.StripePriceID,
		sub.StripeProductID,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.TrialStart,
		sub.TrialEnd,
		sub.CancelAtPeriodEnd,
		sub.AmountCents,
		sub.Currency,
		sub.Interval,
		sub.IntervalCount,
		sub.Metadata,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return types.NewAppError(types.ErrCodeConflictStaleEvent, "subscription already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create subscription", err)
	}
	return nil
}

// GetByStripeID retrieves a subscription by its external reference.
func (r *SubscriptionRepository) GetByStripeID(ctx context.Context, stripeSubID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions s
		 WHERE s.stripe_subscription_id = $1`,
		stripeSubID,
	)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve subscription", err)
	}
	return sub, nil
}

// ListByCustomer returns all subscriptions owned by a customer, newest first.
func (r *SubscriptionRepository) ListByCustomer(ctx context.Context, customerID string) ([]*types.Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions s
		 WHERE s.customer_id = $1
		 ORDER BY s.created_at DESC`,
		customerID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list subscriptions", err)
	}
	defer rows.Close()

	var subs []*types.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate subscriptions", err)
	}
	return subs, nil
}

// ApplyCaptureSuccess records a successful manual capture: status becomes
// active, retry bookkeeping resets, and the payment time is stamped. Rows
// already canceled are untouched (terminal guard).
func (r *SubscriptionRepository) ApplyCaptureSuccess(ctx context.Context, stripeSubID string, paidAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = 'active',
		     retry_attempts = 0,
		     last_payment_at = $2,
		     updated_at = NOW()
		 WHERE stripe_subscription_id = $1
		   AND status <> 'canceled'`,
		stripeSubID,
		paidAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply capture success", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.Info("capture success skipped: subscription canceled or missing",
			slog.String("stripe_subscription_id", stripeSubID),
		)
	}
	return nil
}

// ApplyCaptureFailure records a definitive failed capture: status becomes
// past_due, retry_attempts increments by exactly one, and the hosted invoice
// URL is stored for the retry email. Terminal rows are untouched.
func (r *SubscriptionRepository) ApplyCaptureFailure(ctx context.Context, stripeSubID string, invoiceURL string, failedAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = 'past_due',
		     retry_attempts = retry_attempts + 1,
		     last_retry_at = $2,
		     last_invoice_url = $3,
		     updated_at = NOW()
		 WHERE stripe_subscription_id = $1
		   AND status <> 'canceled'`,
		stripeSubID,
		failedAt,
		nilIfEmpty(invoiceURL),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply capture failure", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.Info("capture failure skipped: subscription canceled or missing",
			slog.String("stripe_subscription_id", stripeSubID),
		)
	}
	return nil
}

// ConfirmPayment applies the primary account's authoritative payment
// confirmation: status active, retry bookkeeping reset. Distinct from
// ApplyCaptureSuccess because it may arrive for invoices this service never
// captured (automatic billing on the primary account).
func (r *SubscriptionRepository) ConfirmPayment(ctx context.Context, stripeSubID string, paidAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = 'active',
		     retry_attempts = 0,
		     last_payment_at = $2,
		     updated_at = NOW()
		 WHERE stripe_subscription_id = $1
		   AND status <> 'canceled'`,
		stripeSubID,
		paidAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to confirm payment", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.Info("payment confirmation skipped: subscription canceled or missing",
			slog.String("stripe_subscription_id", stripeSubID),
		)
	}
	return nil
}

// SyncLifecycleParams carries the authoritative lifecycle state from a
// customer.subscription.updated event.
type SyncLifecycleParams struct {
	StripeSubscriptionID string
	Status               types.SubscriptionStatus
	CurrentPeriodStart   time.Time
	CurrentPeriodEnd     time.Time
	CancelAtPeriodEnd    bool
	CanceledAt           *time.Time
	EventTimestamp       time.Time
}

// SyncLifecycle overwrites status and period boundaries from the primary
// account. Two guards are enforced in the WHERE clause:
//   - terminal: a locally canceled subscription is never resurrected;
//   - optimistic lock: only events newer than last_event_at apply, so
//     duplicate or out-of-order deliveries degrade to no-ops.
func (r *SubscriptionRepository) SyncLifecycle(ctx context.Context, p SyncLifecycleParams) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $2,
		     current_period_start = $3,
		     current_period_end = $4,
		     cancel_at_period_end = $5,
		     canceled_at = COALESCE($6, canceled_at),
		     last_event_at = $7,
		     updated_at = NOW()
		 WHERE stripe_subscription_id = $1
		   AND status <> 'canceled'
		   AND (last_event_at IS NULL OR last_event_at < $7)`,
		p.StripeSubscriptionID,
		p.Status,
		nilIfZeroTime(p.CurrentPeriodStart),
		nilIfZeroTime(p.CurrentPeriodEnd),
		p.CancelAtPeriodEnd,
		p.CanceledAt,
		p.EventTimestamp,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to sync subscription lifecycle", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.Info("stale or terminal lifecycle event ignored",
			slog.String("stripe_subscription_id", p.StripeSubscriptionID),
			slog.Time("event_timestamp", p.EventTimestamp),
		)
	}
	return nil
}

// MarkCanceled moves a subscription into the terminal canceled state.
// Reapplying to an already-canceled subscription is a no-op, and the
// original canceled_at is preserved.
func (r *SubscriptionRepository) MarkCanceled(ctx context.Context, stripeSubID string, canceledAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = 'canceled',
		     canceled_at = COALESCE(canceled_at, $2),
		     updated_at = NOW()
		 WHERE stripe_subscription_id = $1
		   AND status <> 'canceled'`,
		stripeSubID,
		canceledAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to cancel subscription", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.Info("cancellation no-op: subscription already canceled or missing",
			slog.String("stripe_subscription_id", stripeSubID),
		)
	}
	return nil
}
