package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"subsync/internal/external"
	"subsync/internal/types"
)

// CustomerLookup resolves the recipient for a subscription's notifications.
type CustomerLookup interface {
	GetByID(ctx context.Context, id string) (*types.Customer, error)
}

// EmailNotifier renders and sends payment emails through the configured
// provider. It satisfies the billing package's Notifier interface.
//
// Every method returns an error for logging only. Notification failure
// never changes a reconciliation outcome; if a send fails the money has
// still moved (or not moved) exactly as recorded.
type EmailNotifier struct {
	provider  external.EmailProvider
	customers CustomerLookup
	renderer  *Renderer
	from      types.SenderIdentity
	logger    *slog.Logger
}

// NewEmailNotifier creates an EmailNotifier.
func NewEmailNotifier(
	provider external.EmailProvider,
	customers CustomerLookup,
	renderer *Renderer,
	from types.SenderIdentity,
	logger *slog.Logger,
) *EmailNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailNotifier{
		provider:  provider,
		customers: customers,
		renderer:  renderer,
		from:      from,
		logger:    logger,
	}
}

// PaymentSucceeded sends the payment receipt.
func (n *EmailNotifier) PaymentSucceeded(ctx context.Context, sub *types.Subscription, invoiceID string, amountCents int64, currency string) error {
	return n.send(ctx, EmailPaymentSucceeded, sub, RenderParams{
		AmountCents: amountCents,
		Currency:    currency,
		InvoiceID:   invoiceID,
	})
}

// PaymentActionRequired asks the customer to complete bank verification.
func (n *EmailNotifier) PaymentActionRequired(ctx context.Context, sub *types.Subscription, invoiceID, hostedInvoiceURL string) error {
	return n.send(ctx, EmailPaymentActionRequired, sub, RenderParams{
		AmountCents: sub.AmountCents,
		Currency:    sub.Currency,
		InvoiceID:   invoiceID,
		InvoiceURL:  hostedInvoiceURL,
	})
}

// PaymentFailed tells the customer their payment declined, with the hosted
// invoice link for paying manually. Amount and currency come from the
// declined invoice, which can differ from the subscription's standing price
// when prorations or discounts apply.
func (n *EmailNotifier) PaymentFailed(ctx context.Context, sub *types.Subscription, invoiceID, hostedInvoiceURL string, amountCents int64, currency string) error {
	return n.send(ctx, EmailPaymentFailed, sub, RenderParams{
		AmountCents: amountCents,
		Currency:    currency,
		InvoiceID:   invoiceID,
		InvoiceURL:  hostedInvoiceURL,
	})
}

// SubscriptionConfirmed welcomes the customer after the first invoice
// settles, or after a recovered retry brings the subscription back.
func (n *EmailNotifier) SubscriptionConfirmed(ctx context.Context, sub *types.Subscription, planID string, nextBillingDate time.Time) error {
	return n.send(ctx, EmailSubscriptionConfirmed, sub, RenderParams{
		AmountCents:     sub.AmountCents,
		Currency:        sub.Currency,
		PlanID:          planID,
		NextBillingDate: nextBillingDate,
	})
}

// SubscriptionCanceled confirms the cancellation.
func (n *EmailNotifier) SubscriptionCanceled(ctx context.Context, sub *types.Subscription) error {
	return n.send(ctx, EmailSubscriptionCanceled, sub, RenderParams{
		AmountCents: sub.AmountCents,
		Currency:    sub.Currency,
	})
}

func (n *EmailNotifier) send(ctx context.Context, kind EmailKind, sub *types.Subscription, params RenderParams) error {
	customer, err := n.customers.GetByID(ctx, sub.CustomerID)
	if err != nil {
		return fmt.Errorf("notify: failed to resolve recipient for subscription %s: %w", sub.StripeSubscriptionID, err)
	}
	params.CustomerName = customer.Name

	rendered, err := n.renderer.Render(kind, params)
	if err != nil {
		return err
	}

	msgID, err := n.provider.Send(ctx, types.SendInput{
		To:          customer.Email,
		From:        n.from,
		Subject:     rendered.Subject,
		BodyHTML:    rendered.BodyHTML,
		BodyText:    rendered.BodyText,
		ReferenceID: sub.StripeSubscriptionID,
	})
	if err != nil {
		return fmt.Errorf("notify: %s send failed: %w", kind, err)
	}

	n.logger.InfoContext(ctx, "notification sent",
		slog.String("kind", string(kind)),
		slog.String("stripe_subscription_id", sub.StripeSubscriptionID),
		slog.String("provider_message_id", msgID),
	)
	return nil
}

// NoopNotifier is used when email delivery is disabled by configuration.
// Everything reconciles normally; customers just don't get emails.
type NoopNotifier struct {
	logger *slog.Logger
}

// NewNoopNotifier creates a NoopNotifier.
func NewNoopNotifier(logger *slog.Logger) *NoopNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &NoopNotifier{logger: logger}
}

func (n *NoopNotifier) PaymentSucceeded(ctx context.Context, sub *types.Subscription, invoiceID string, amountCents int64, currency string) error {
	n.skip(ctx, "payment_succeeded", sub)
	return nil
}

func (n *NoopNotifier) PaymentActionRequired(ctx context.Context, sub *types.Subscription, invoiceID, hostedInvoiceURL string) error {
	n.skip(ctx, "payment_action_required", sub)
	return nil
}

func (n *NoopNotifier) PaymentFailed(ctx context.Context, sub *types.Subscription, invoiceID, hostedInvoiceURL string, amountCents int64, currency string) error {
	n.skip(ctx, "payment_failed", sub)
	return nil
}

func (n *NoopNotifier) SubscriptionConfirmed(ctx context.Context, sub *types.Subscription, planID string, nextBillingDate time.Time) error {
	n.skip(ctx, "subscription_confirmed", sub)
	return nil
}

func (n *NoopNotifier) SubscriptionCanceled(ctx context.Context, sub *types.Subscription) error {
	n.skip(ctx, "subscription_canceled", sub)
	return nil
}

func (n *NoopNotifier) skip(ctx context.Context, kind string, sub *types.Subscription) {
	n.logger.DebugContext(ctx, "email delivery disabled, skipping notification",
		slog.String("kind", kind),
		slog.String("stripe_subscription_id", sub.StripeSubscriptionID),
	)
}
