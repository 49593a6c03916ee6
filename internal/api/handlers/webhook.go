// Package handlers contains the HTTP handler implementations for the
// reconciliation API.
//
// The webhook endpoint is NOT behind auth middleware -- it is called directly
// by the payment provider. Security is provided by verifying the
// Stripe-Signature header using HMAC-SHA256.
package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"subsync/internal/core"
	"subsync/internal/external"
	"subsync/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a webhook payload (64 KB).
// Stripe webhook payloads are typically small; this limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// EventDispatcher routes a verified webhook payload to its handler. The
// dispatcher owns outcome classification; by the time the payload reaches it
// the HTTP response is already decided.
type EventDispatcher interface {
	Dispatch(ctx context.Context, payload []byte) types.EventOutcome
}

// WebhookHandler receives provider webhook deliveries, verifies their
// signature, and hands verified payloads to the dispatcher.
//
// The response contract is deliberately narrow: any verified payload is
// acknowledged with 200 regardless of processing outcome, because the
// provider retries non-2xx deliveries and a poison event would otherwise
// be redelivered forever. Only signature failures get a 400.
type WebhookHandler struct {
	verifier   external.WebhookVerifier
	dispatcher EventDispatcher
	secret     types.SecretString
	logger     *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler with the provided dependencies.
func NewWebhookHandler(
	verifier external.WebhookVerifier,
	dispatcher EventDispatcher,
	secret types.SecretString,
	logger *slog.Logger,
) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		verifier:   verifier,
		dispatcher: dispatcher,
		secret:     secret,
		logger:     logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. This is separate from the API
// handlers because webhook routes are public (no auth middleware).
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes an incoming webhook delivery:
//  1. Reads the raw body with a 64 KB size limit.
//  2. Verifies the Stripe-Signature header against the raw bytes.
//  3. Dispatches the verified payload and acknowledges with 200.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMalformedEvent,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeSignatureMissing,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret.Unmask()); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeSignatureInvalid,
			"webhook signature verification failed",
			err,
		))
		return
	}

	outcome := h.dispatcher.Dispatch(r.Context(), payload)

	h.logger.InfoContext(r.Context(), "webhook delivery acknowledged",
		"outcome", string(outcome),
	)

	core.JSON(w, r, http.StatusOK, map[string]bool{"received": true})
}
