package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"subsync/internal/types"
)

// CaptureRepository is the idempotency ledger for manual invoice captures.
// One row per invoice id; the unique constraint on invoice_id is what makes
// at-most-one-capture hold across redelivered webhooks.
type CaptureRepository struct {
	db DBTX
}

func NewCaptureRepository(db DBTX) *CaptureRepository {
	return &CaptureRepository{db: db}
}

// Record inserts a ledger row for a captured invoice. Returns true when the
// row was inserted, false when the invoice was already recorded.
func (r *CaptureRepository) Record(ctx context.Context, rec *types.CaptureRecord) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO invoice_captures (invoice_id, stripe_subscription_id, payment_intent_id,
		 amount_cents, currency, captured_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (invoice_id) DO NOTHING`,
		rec.InvoiceID,
		rec.StripeSubscriptionID,
		nilIfEmpty(rec.PaymentIntentID),
		rec.AmountCents,
		rec.Currency,
		rec.CapturedAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record invoice capture", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Exists reports whether an invoice already has a ledger entry.
func (r *CaptureRepository) Exists(ctx context.Context, invoiceID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM invoice_captures WHERE invoice_id = $1)`,
		invoiceID,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check invoice capture", err)
	}
	return exists, nil
}

// Get retrieves the ledger entry for an invoice.
func (r *CaptureRepository) Get(ctx context.Context, invoiceID string) (*types.CaptureRecord, error) {
	var rec types.CaptureRecord
	var paymentIntentID *string

	err := r.db.QueryRow(ctx,
		`SELECT invoice_id, stripe_subscription_id, payment_intent_id,
		 amount_cents, currency, captured_at
		 FROM invoice_captures
		 WHERE invoice_id = $1`,
		invoiceID,
	).Scan(
		&rec.InvoiceID,
		&rec.StripeSubscriptionID,
		&paymentIntentID,
		&rec.AmountCents,
		&rec.Currency,
		&rec.CapturedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundCapture, "invoice capture not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve invoice capture", err)
	}
	if paymentIntentID != nil {
		rec.PaymentIntentID = *paymentIntentID
	}
	return &rec, nil
}

// PurgeOlderThan deletes ledger rows older than the cutoff. Redelivery of
// webhooks stops well before any sane retention window, so old rows only
// cost storage.
func (r *CaptureRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM invoice_captures WHERE captured_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge invoice captures", err)
	}
	return tag.RowsAffected(), nil
}
