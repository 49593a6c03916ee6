package external

import (
	"context"

	"subsync/internal/types"
)

// ---------------------------------------------------------------------------
// Lifecycle account (primary Stripe)
// ---------------------------------------------------------------------------

// LifecycleClient abstracts the primary Stripe account: the one that owns
// customers, subscriptions, the product catalog, and the webhook stream.
// It never moves money in this service; captures go through CaptureClient.
type LifecycleClient interface {
	// CreateCustomer creates a customer on the primary account and returns
	// its id.
	CreateCustomer(ctx context.Context, email, name string, metadata map[string]string) (string, error)

	// AttachPaymentMethod attaches a payment method to a customer and makes
	// it the customer's default for invoices.
	AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error

	// CreateSubscription creates a subscription with payment_behavior
	// default_incomplete so the first invoice is finalized without an
	// automatic charge attempt. The expanded latest invoice is returned for
	// client-side confirmation.
	CreateSubscription(ctx context.Context, customerID, priceID string, metadata map[string]string) (*ProviderSubscription, error)

	// GetSubscription fetches current subscription state.
	GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)

	// CancelSubscription cancels immediately (atPeriodEnd false) or flags
	// cancel_at_period_end (atPeriodEnd true).
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*ProviderSubscription, error)

	// ListPrices returns active recurring prices from the catalog.
	ListPrices(ctx context.Context) ([]types.Price, error)

	// ListProducts returns active products with their active prices.
	ListProducts(ctx context.Context) ([]types.Product, error)

	// ListInvoices returns recent invoices for a subscription, newest first.
	ListInvoices(ctx context.Context, customerID, subscriptionID string, limit int) ([]types.InvoiceSummary, error)
}

// ProviderSubscription is the vendor-shape subscription state the lifecycle
// client returns, already mapped out of Stripe's wire format.
type ProviderSubscription struct {
	ID                 string
	CustomerID         string
	Status             types.SubscriptionStatus
	PriceID            string
	ProductID          string
	AmountCents        int64
	Currency           string
	Interval           string
	IntervalCount      int
	CurrentPeriodStart int64
	CurrentPeriodEnd   int64
	CancelAtPeriodEnd  bool
	CanceledAt         int64
	LatestInvoiceID    string
	ClientSecret       string
}

// ---------------------------------------------------------------------------
// Capture account (secondary Stripe)
// ---------------------------------------------------------------------------

// CaptureClient abstracts the secondary Stripe account used for manual
// invoice captures. One call per invoice; the idempotency key is derived
// from the invoice id so redelivered webhooks cannot double-charge.
type CaptureClient interface {
	// Capture charges the stored payment method for one invoice and
	// classifies the outcome. A definitive decline is a CaptureResult with
	// CaptureFailed, not an error; errors mean the attempt's outcome is
	// unknown or the vendor was unreachable.
	Capture(ctx context.Context, req types.CaptureRequest) (*types.CaptureResult, error)
}

// WebhookVerifier abstracts webhook signature checking.
type WebhookVerifier interface {
	// Verify validates a webhook payload against the signature header and
	// signing secret. Returns nil on success.
	Verify(payload []byte, header string, secret string) error
}

// Webhook event types this service reacts to. Everything else is
// acknowledged and ignored.
const (
	EventInvoiceCreated = "invoice.created"
	EventInvoicePaid    = "invoice.payment_succeeded"
	EventSubUpdated     = "customer.subscription.updated"
	EventSubDeleted     = "customer.subscription.deleted"
)

// ---------------------------------------------------------------------------
// Email
// ---------------------------------------------------------------------------

// EmailProvider abstracts the email delivery vendor. Implementations
// transmit pre-rendered content (Subject, BodyHTML, BodyText).
type EmailProvider interface {
	// Send transmits an email and returns the provider's message id.
	Send(ctx context.Context, input types.SendInput) (providerMsgID string, err error)
}
