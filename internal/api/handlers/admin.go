package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"subsync/internal/core"
	"subsync/internal/external"
	"subsync/internal/types"
)

// defaultFailedEventWindow bounds the failed-event listing when the caller
// does not pass an explicit cutoff.
const defaultFailedEventWindow = 24 * time.Hour

// FailedEventLister exposes the event archive's failed-event query.
type FailedEventLister interface {
	ListFailedSince(ctx context.Context, since time.Time, limit int) ([]*types.WebhookEventRecord, error)
}

// SubscriptionCanceler cancels a subscription in the primary account. The
// local record is not touched here; the provider emits
// customer.subscription.deleted and the webhook path applies the terminal
// transition, keeping cancellation single-writer.
type SubscriptionCanceler interface {
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*external.ProviderSubscription, error)
}

// CaptureLedgerReader exposes the capture ledger for operator inspection
// and retention cleanup.
type CaptureLedgerReader interface {
	Get(ctx context.Context, invoiceID string) (*types.CaptureRecord, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// AdminHandler serves the operator endpoints: failed-event inspection,
// capture ledger lookups, and subscription cancellation. All routes are
// guarded by the admin API key.
type AdminHandler struct {
	events       FailedEventLister
	canceler     SubscriptionCanceler
	captures     CaptureLedgerReader
	adminKeyHash types.SecretString
	logger       *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(events FailedEventLister, canceler SubscriptionCanceler, captures CaptureLedgerReader, adminKeyHash types.SecretString, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		events:       events,
		canceler:     canceler,
		captures:     captures,
		adminKeyHash: adminKeyHash,
		logger:       logger,
	}
}

// RegisterRoutes mounts the admin routes under /v1/admin behind the admin
// key middleware.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(core.AdminKeyAuth(h.adminKeyHash, h.logger))
		r.Get("/events/failed", h.ListFailedEvents)
		r.Get("/captures/{invoice_id}", h.GetCapture)
		r.Delete("/captures", h.PurgeCaptures)
		r.Delete("/subscriptions/{id}", h.CancelSubscription)
	})
}

// ListFailedEvents handles GET /v1/admin/events/failed. Optional query
// parameters: since (RFC 3339, default 24h ago) and limit.
func (h *AdminHandler) ListFailedEvents(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-defaultFailedEventWindow)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"since must be an RFC 3339 timestamp",
				err,
			))
			return
		}
		since = parsed
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"limit must be a positive integer",
				err,
			))
			return
		}
		limit = parsed
	}

	events, err := h.events.ListFailedSince(r.Context(), since, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: events})
}

// GetCapture handles GET /v1/admin/captures/{invoice_id}. It answers the
// operator question behind most double-charge reports: did we capture this
// invoice, when, and under which payment intent.
func (h *AdminHandler) GetCapture(w http.ResponseWriter, r *http.Request) {
	invoiceID := chi.URLParam(r, "invoice_id")
	if invoiceID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"invoice id is required",
			nil,
		))
		return
	}

	rec, err := h.captures.Get(r.Context(), invoiceID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: rec})
}

// PurgeCaptures handles DELETE /v1/admin/captures?before=<RFC 3339>. The
// cutoff is mandatory; there is no default retention window an operator
// could trip over by accident.
func (h *AdminHandler) PurgeCaptures(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("before")
	if raw == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"before is required",
			nil,
		))
		return
	}
	cutoff, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"before must be an RFC 3339 timestamp",
			err,
		))
		return
	}

	purged, err := h.captures.PurgeOlderThan(r.Context(), cutoff)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "capture ledger purged",
		"cutoff", cutoff,
		"purged", purged,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]int64{"purged": purged}})
}

// CancelSubscription handles DELETE /v1/admin/subscriptions/{id}. The id is
// the provider subscription id. With ?at_period_end=true the subscription
// keeps running until the current period closes.
func (h *AdminHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	subID := chi.URLParam(r, "id")
	if subID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"subscription id is required",
			nil,
		))
		return
	}

	atPeriodEnd := r.URL.Query().Get("at_period_end") == "true"

	sub, err := h.canceler.CancelSubscription(r.Context(), subID, atPeriodEnd)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "subscription cancellation requested",
		"stripe_subscription_id", subID,
		"at_period_end", atPeriodEnd,
		"provider_status", sub.Status,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}
