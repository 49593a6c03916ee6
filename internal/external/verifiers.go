package external

import (
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeVerifier implements WebhookVerifier using stripe-go's webhook
// signature validation: HMAC-SHA256 over the raw payload with timestamp
// tolerance, constant-time comparison.
//
// Verification always runs against the raw request bytes, before any JSON
// decoding touches the body.
type StripeVerifier struct{}

// Verify validates a webhook payload against the Stripe-Signature header
// and the endpoint's signing secret.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return webhook.ValidatePayload(payload, header, secret)
}
