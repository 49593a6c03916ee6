package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"

	"subsync/internal/types"
)

// EventRepository archives verified inbound webhook events for audit and
// replay. Payloads are zstd-compressed at rest; webhook bodies are repetitive
// JSON and compress well.
type EventRepository struct {
	db      DBTX
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewEventRepository creates an EventRepository with shared zstd codecs.
// Both codec constructors only fail on invalid options, so errors here
// indicate a programming mistake.
func NewEventRepository(db DBTX) (*EventRepository, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create zstd encoder", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create zstd decoder", err)
	}
	return &EventRepository{db: db, encoder: enc, decoder: dec}, nil
}

// Archive stores one processed event. Event ids are unique at the provider,
// so a redelivered event overwrites its outcome rather than duplicating the
// row.
func (r *EventRepository) Archive(ctx context.Context, rec *types.WebhookEventRecord) error {
	compressed := r.encoder.EncodeAll(rec.Payload, nil)

	_, err := r.db.Exec(ctx,
		`INSERT INTO webhook_events (id, type, payload, outcome, error, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET outcome = EXCLUDED.outcome,
		     error = EXCLUDED.error,
		     received_at = EXCLUDED.received_at`,
		rec.ID,
		rec.Type,
		compressed,
		rec.Outcome,
		nilIfEmpty(rec.Error),
		rec.ReceivedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to archive webhook event", err)
	}
	return nil
}

// Get retrieves an archived event with its payload decompressed.
func (r *EventRepository) Get(ctx context.Context, eventID string) (*types.WebhookEventRecord, error) {
	var rec types.WebhookEventRecord
	var compressed []byte
	var errMsg *string

	err := r.db.QueryRow(ctx,
		`SELECT id, type, payload, outcome, error, received_at
		 FROM webhook_events
		 WHERE id = $1`,
		eventID,
	).Scan(&rec.ID, &rec.Type, &compressed, &rec.Outcome, &errMsg, &rec.ReceivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "webhook event not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve webhook event", err)
	}
	if errMsg != nil {
		rec.Error = *errMsg
	}

	rec.Payload, err = r.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decompress webhook payload", err)
	}
	return &rec, nil
}

// ListFailedSince returns failed events received after the cutoff, oldest
// first, without payloads. Used by operators to inspect what needs
// redelivery.
func (r *EventRepository) ListFailedSince(ctx context.Context, since time.Time, limit int) ([]*types.WebhookEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, type, outcome, error, received_at
		 FROM webhook_events
		 WHERE outcome = 'failed' AND received_at >= $1
		 ORDER BY received_at ASC
		 LIMIT $2`,
		since,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list failed webhook events", err)
	}
	defer rows.Close()

	var recs []*types.WebhookEventRecord
	for rows.Next() {
		var rec types.WebhookEventRecord
		var errMsg *string
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.Outcome, &errMsg, &rec.ReceivedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan webhook event", err)
		}
		if errMsg != nil {
			rec.Error = *errMsg
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate webhook events", err)
	}
	return recs, nil
}
