// Package types defines the domain entities, enums, and error types shared
// across the reconciliation service. It has no dependencies on other internal
// packages so that every layer can import it freely.
package types

import (
	"fmt"
	"time"
)

// Customer is the local record of a billing customer. Exactly one Customer
// exists per unique email; the row is created before any subscription and is
// never deleted by this service.
type Customer struct {
	ID               string            `json:"id" db:"id"`
	Email            string            `json:"email" db:"email"`
	StripeCustomerID string            `json:"stripe_customer_id" db:"stripe_customer_id"`
	Name             string            `json:"name,omitempty" db:"name"`
	Metadata         map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
}

// Subscription is the local reconciliation record for one subscription held
// in the primary payment account. It is created once by the provisioning
// flow and thereafter mutated exclusively by webhook handlers. Cancellation
// is a status, not a row removal.
type Subscription struct {
	ID                   string             `json:"id" db:"id"`
	CustomerID           string             `json:"customer_id" db:"customer_id"`
	StripeSubscriptionID string             `json:"stripe_subscription_id" db:"stripe_subscription_id"`
	StripeCustomerID     string             `json:"stripe_customer_id" db:"stripe_customer_id"`
	PaymentMethodID      string             `json:"payment_method_id" db:"payment_method_id"`
	PlanID               string             `json:"plan_id" db:"plan_id"`
	StripePriceID        string             `json:"stripe_price_id" db:"stripe_price_id"`
	StripeProductID      string             `json:"stripe_product_id" db:"stripe_product_id"`
	Status               SubscriptionStatus `json:"status" db:"status"`
	CurrentPeriodStart   *time.Time         `json:"current_period_start,omitempty" db:"current_period_start"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end,omitempty" db:"current_period_end"`
	TrialStart           *time.Time         `json:"trial_start,omitempty" db:"trial_start"`
	TrialEnd             *time.Time         `json:"trial_end,omitempty" db:"trial_end"`
	CanceledAt           *time.Time         `json:"canceled_at,omitempty" db:"canceled_at"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	AmountCents          int64              `json:"amount_cents" db:"amount_cents"`
	Currency             string             `json:"currency" db:"currency"`
	Interval             string             `json:"interval" db:"interval"`
	IntervalCount        int                `json:"interval_count" db:"interval_count"`
	RetryAttempts        int                `json:"retry_attempts" db:"retry_attempts"`
	LastRetryAt          *time.Time         `json:"last_retry_at,omitempty" db:"last_retry_at"`
	LastPaymentAt        *time.Time         `json:"last_payment_at,omitempty" db:"last_payment_at"`
	LastInvoiceURL       string             `json:"last_invoice_url,omitempty" db:"last_invoice_url"`
	LastEventAt          *time.Time         `json:"last_event_at,omitempty" db:"last_event_at"`
	Metadata             map[string]string  `json:"metadata,omitempty" db:"metadata"`
	CreatedAt            time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at" db:"updated_at"`
}

// IsActive reports whether the subscription currently grants access.
// Computed, never stored.
func (s *Subscription) IsActive() bool {
	return s.Status == SubStatusActive || s.Status == SubStatusTrialing
}

// NeedsRetry reports whether the subscription is waiting on a payment fix.
func (s *Subscription) NeedsRetry() bool {
	return s.Status == SubStatusPastDue || s.Status == SubStatusUnpaid
}

// FormattedAmount renders the minor-unit amount as a decimal string
// (e.g. 1999 -> "19.99").
func (s *Subscription) FormattedAmount() string {
	return FormatMinorUnits(s.AmountCents)
}

// CaptureRecord is one row of the per-invoice capture ledger. Its presence
// means a manual capture for the invoice completed successfully; the
// orchestrator consults it before attempting any capture so that redelivered
// invoice events can never double-charge.
type CaptureRecord struct {
	InvoiceID            string    `json:"invoice_id" db:"invoice_id"`
	StripeSubscriptionID string    `json:"stripe_subscription_id" db:"stripe_subscription_id"`
	PaymentIntentID      string    `json:"payment_intent_id" db:"payment_intent_id"`
	AmountCents          int64     `json:"amount_cents" db:"amount_cents"`
	Currency             string    `json:"currency" db:"currency"`
	CapturedAt           time.Time `json:"captured_at" db:"captured_at"`
}

// WebhookEventRecord is the archived form of a verified inbound event:
// enough to audit what arrived and to replay it. Payload holds the raw
// bytes as received; the repository compresses them at rest.
type WebhookEventRecord struct {
	ID         string       `json:"id" db:"id"`
	Type       string       `json:"type" db:"type"`
	Payload    []byte       `json:"-" db:"payload"`
	Outcome    EventOutcome `json:"outcome" db:"outcome"`
	Error      string       `json:"error,omitempty" db:"error"`
	ReceivedAt time.Time    `json:"received_at" db:"received_at"`
}

// CaptureRequest carries everything the capture client needs to charge a
// stored payment method for one invoice via the secondary account.
type CaptureRequest struct {
	InvoiceID       string
	AmountCents     int64
	Currency        string
	PaymentMethodID string
	CustomerID      string
	Metadata        map[string]string
}

// CaptureResult is the classified outcome of a capture attempt. ClientSecret
// is set only when Outcome is CaptureRequiresAction; DeclineCode only when
// the provider reported a definitive decline.
type CaptureResult struct {
	Outcome         CaptureOutcome
	PaymentIntentID string
	ClientSecret    string
	DeclineCode     string
}

// Price is the catalog view of a primary-account price.
type Price struct {
	ID            string            `json:"id"`
	ProductID     string            `json:"product_id"`
	ProductName   string            `json:"product_name,omitempty"`
	Currency      string            `json:"currency"`
	AmountCents   int64             `json:"amount_cents"`
	Interval      string            `json:"interval,omitempty"`
	IntervalCount int               `json:"interval_count,omitempty"`
	Type          string            `json:"type"`
	Nickname      string            `json:"nickname,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Product is the catalog view of a primary-account product.
type Product struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Active      bool              `json:"active"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Prices      []Price           `json:"prices,omitempty"`
}

// InvoiceSummary is the trimmed invoice view returned by the status endpoint.
type InvoiceSummary struct {
	ID               string    `json:"id"`
	Status           string    `json:"status"`
	AmountPaidCents  int64     `json:"amount_paid_cents"`
	Currency         string    `json:"currency"`
	Created          time.Time `json:"created"`
	HostedInvoiceURL string    `json:"hosted_invoice_url,omitempty"`
	InvoicePDF       string    `json:"invoice_pdf,omitempty"`
}

// SubscriptionStatusView is one customer subscription enriched with live
// primary-account data for the status-by-email endpoint.
type SubscriptionStatusView struct {
	ID                 string             `json:"id"`
	Status             SubscriptionStatus `json:"status"`
	Plan               Price              `json:"plan"`
	CurrentPeriodStart *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	Invoices           []InvoiceSummary   `json:"invoices"`
}

// SendInput defines the contract for email transmission: pre-rendered
// content only, no provider-side templates.
type SendInput struct {
	To          string
	From        SenderIdentity
	Subject     string
	BodyHTML    string
	BodyText    string
	ReferenceID string
}

// SenderIdentity defines the sender for outgoing emails.
type SenderIdentity struct {
	Name    string
	Address string
}

// FormatMinorUnits renders an integer minor-currency amount as a two-decimal
// string without floating point drift.
func FormatMinorUnits(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
