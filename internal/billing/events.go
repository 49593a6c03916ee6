package billing

import (
	"encoding/json"
	"time"

	"subsync/internal/types"
)

// Event is the minimal decoded form of a verified webhook event: enough to
// route by type and hand the inner object to the right handler. The full
// stripe.Event type stays out of the domain; each handler decodes only the
// fields it reads.
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    eventData       `json:"data"`
	Raw     json.RawMessage `json:"-"`
}

type eventData struct {
	Object json.RawMessage `json:"object"`
}

// ParseEvent decodes a raw webhook payload into an Event. The payload must
// already be signature-verified. A body that is not valid JSON, or that
// lacks an event type, is a malformed event.
func ParseEvent(payload []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationMalformedEvent, "webhook payload is not valid JSON", err)
	}
	if evt.Type == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMalformedEvent, "webhook event has no type", nil)
	}
	evt.Raw = json.RawMessage(payload)
	return &evt, nil
}

// Timestamp returns the provider-side creation time of the event.
func (e *Event) Timestamp() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

// ---------------------------------------------------------------------------
// Invoice events
// ---------------------------------------------------------------------------

// InvoiceEvent is the decoded data.object of an invoice.* event.
type InvoiceEvent struct {
	ID               string            `json:"id"`
	CustomerID       string            `json:"customer"`
	Subscription     string            `json:"subscription"`
	Status           string            `json:"status"`
	Paid             bool              `json:"paid"`
	BillingReason    string            `json:"billing_reason"`
	AmountDue        int64             `json:"amount_due"`
	AmountPaid       int64             `json:"amount_paid"`
	Currency         string            `json:"currency"`
	HostedInvoiceURL string            `json:"hosted_invoice_url"`
	Metadata         map[string]string `json:"metadata"`
	Parent           *invoiceParent    `json:"parent"`
	Lines            invoiceLines      `json:"lines"`
}

// invoiceLines carries the invoice line items. Only the first line's price
// and period are read; an invoice for one subscription bills one plan.
type invoiceLines struct {
	Data []invoiceLine `json:"data"`
}

type invoiceLine struct {
	Price  *invoiceLinePrice  `json:"price"`
	Period *invoiceLinePeriod `json:"period"`
}

type invoiceLinePrice struct {
	ID string `json:"id"`
}

type invoiceLinePeriod struct {
	End int64 `json:"end"`
}

// invoiceParent carries the subscription reference in newer API versions,
// where the top-level subscription field is absent.
type invoiceParent struct {
	SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
}

type subscriptionDetails struct {
	Subscription string `json:"subscription"`
}

// Invoice decodes the event's data object as an invoice.
func (e *Event) Invoice() (*InvoiceEvent, error) {
	var inv InvoiceEvent
	if err := json.Unmarshal(e.Data.Object, &inv); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationMalformedEvent, "invoice event object is malformed", err)
	}
	return &inv, nil
}

// SubscriptionRef returns the subscription this invoice bills, checking the
// top-level field first and falling back to parent.subscription_details.
// Empty means the invoice is not subscription-backed.
func (inv *InvoiceEvent) SubscriptionRef() string {
	if inv.Subscription != "" {
		return inv.Subscription
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return inv.Parent.SubscriptionDetails.Subscription
	}
	return ""
}

// PlanID returns the price id of the invoice's first line item, or empty
// when the invoice carries no priced lines.
func (inv *InvoiceEvent) PlanID() string {
	if len(inv.Lines.Data) == 0 || inv.Lines.Data[0].Price == nil {
		return ""
	}
	return inv.Lines.Data[0].Price.ID
}

// NextBillingDate returns the period end of the invoice's first line item,
// or the zero time when the provider omitted it.
func (inv *InvoiceEvent) NextBillingDate() time.Time {
	if len(inv.Lines.Data) == 0 || inv.Lines.Data[0].Period == nil || inv.Lines.Data[0].Period.End == 0 {
		return time.Time{}
	}
	return time.Unix(inv.Lines.Data[0].Period.End, 0).UTC()
}

// ---------------------------------------------------------------------------
// Subscription events
// ---------------------------------------------------------------------------

// SubscriptionEvent is the decoded data.object of a customer.subscription.*
// event.
type SubscriptionEvent struct {
	ID                 string            `json:"id"`
	CustomerID         string            `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CanceledAt         int64             `json:"canceled_at"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
}

// Subscription decodes the event's data object as a subscription.
func (e *Event) Subscription() (*SubscriptionEvent, error) {
	var sub SubscriptionEvent
	if err := json.Unmarshal(e.Data.Object, &sub); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationMalformedEvent, "subscription event object is malformed", err)
	}
	if sub.ID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMalformedEvent, "subscription event object has no id", nil)
	}
	return &sub, nil
}

// CanceledTime returns the provider's cancellation timestamp, or the event
// fallback when the provider omitted it.
func (s *SubscriptionEvent) CanceledTime(fallback time.Time) time.Time {
	if s.CanceledAt > 0 {
		return time.Unix(s.CanceledAt, 0).UTC()
	}
	return fallback
}
