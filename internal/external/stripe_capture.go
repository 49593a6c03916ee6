package external

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"subsync/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// StripeCaptureClient implements CaptureClient against the secondary Stripe
// account. It creates and confirms one payment intent per invoice; the
// idempotency key is derived from the invoice id, so retries and redelivered
// webhooks collapse into a single charge on the provider side.
type StripeCaptureClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	returnURL string
	logger    *slog.Logger
}

// NewStripeCaptureClient creates a capture client. returnURL is where the
// provider sends the customer back after completing 3DS authentication.
func NewStripeCaptureClient(httpClient *http.Client, cfg StripeClientConfig, returnURL string) *StripeCaptureClient {
	base := NewBaseClient(
		httpClient,
		"stripe-capture",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"SubSync/1.0",
	)
	return NewStripeCaptureClientWithBase(base, cfg, returnURL)
}

// NewStripeCaptureClientWithBase creates a capture client around a
// pre-configured BaseClient.
func NewStripeCaptureClientWithBase(base *BaseClient, cfg StripeClientConfig, returnURL string) *StripeCaptureClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeCaptureClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		returnURL: returnURL,
		logger:    logger,
	}
}

// CaptureIdempotencyKey derives the provider idempotency key for an invoice.
// Deterministic by construction: the same invoice always yields the same
// key, on every process and every retry.
func CaptureIdempotencyKey(invoiceID string) string {
	return "capture-" + invoiceID
}

// Capture charges the stored payment method for one invoice.
//
// Outcome classification:
//   - payment intent succeeded            → CaptureSucceeded
//   - requires_action / requires_confirmation → CaptureRequiresAction with
//     the client secret for frontend authentication
//   - card declined (402 with decline code)   → CaptureFailed, nil error
//   - 429/5xx/transport failure           → error; the outcome is unknown
//     and the webhook should be redelivered
func (s *StripeCaptureClient) Capture(ctx context.Context, req types.CaptureRequest) (*types.CaptureResult, error) {
	params := url.Values{}
	params.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	params.Set("currency", strings.ToLower(req.Currency))
	params.Set("customer", req.CustomerID)
	params.Set("payment_method", req.PaymentMethodID)
	params.Set("confirm", "true")
	params.Set("off_session", "true")
	if s.returnURL != "" {
		params.Set("return_url", s.returnURL)
	}
	params.Set("metadata[invoice_id]", req.InvoiceID)
	for k, v := range req.Metadata {
		params.Set("metadata["+k+"]", v)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/payment_intents", strings.NewReader(params.Encode()))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build capture request", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Authorization", "Bearer "+s.secretKey)
	httpReq.Header.Set("Stripe-Version", stripe.APIVersion)
	httpReq.Header.Set("Idempotency-Key", CaptureIdempotencyKey(req.InvoiceID))

	resp, err := s.base.Do(httpReq)
	if err != nil {
		// Breaker open, retries exhausted, or transport failure. The charge
		// may or may not have landed; the idempotency key makes redelivery
		// safe either way.
		return nil, wrapStripeTransportError("Capture", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		captureErr := handleStripeErrorResponse(resp, "Capture", types.ErrCodeNotFoundCustomer)

		// A decline is a business outcome, not a failure of the attempt.
		var appErr *types.AppError
		if errors.As(captureErr, &appErr) && appErr.Code == types.ErrCodePaymentDeclined {
			result := &types.CaptureResult{Outcome: types.CaptureFailed}
			if appErr.Details != nil {
				if code, ok := appErr.Details["decline_code"].(string); ok {
					result.DeclineCode = code
				}
			}
			s.logger.InfoContext(ctx, "capture declined",
				slog.String("invoice_id", req.InvoiceID),
				slog.String("decline_code", result.DeclineCode),
			)
			return result, nil
		}
		return nil, captureErr
	}

	var intent stripePaymentIntent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode payment intent response", err)
	}

	result := &types.CaptureResult{PaymentIntentID: intent.ID}
	switch intent.Status {
	case "succeeded":
		result.Outcome = types.CaptureSucceeded
	case "requires_action", "requires_confirmation":
		result.Outcome = types.CaptureRequiresAction
		result.ClientSecret = intent.ClientSecret
	case "processing":
		// The charge is in flight; treat as success for reconciliation
		// purposes. A later failure surfaces through the provider dashboard.
		result.Outcome = types.CaptureSucceeded
	default:
		result.Outcome = types.CaptureFailed
	}

	s.logger.InfoContext(ctx, "capture attempt completed",
		slog.String("invoice_id", req.InvoiceID),
		slog.String("payment_intent_id", intent.ID),
		slog.String("outcome", string(result.Outcome)),
	)
	return result, nil
}
