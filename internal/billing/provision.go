package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"subsync/internal/external"
	"subsync/internal/types"
)

// statusFanOutLimit caps concurrent provider lookups during a status query.
const statusFanOutLimit = 4

// CustomerStore is the subset of the customer repository provisioning needs.
type CustomerStore interface {
	Create(ctx context.Context, customer *types.Customer) error
	GetByEmail(ctx context.Context, email string) (*types.Customer, error)
}

// ProvisionStore is the subset of the subscription repository provisioning
// needs.
type ProvisionStore interface {
	Create(ctx context.Context, sub *types.Subscription) error
	ListByCustomer(ctx context.Context, customerID string) ([]*types.Subscription, error)
}

// ProvisionRequest carries everything needed to create a customer and their
// first subscription on the primary account.
type ProvisionRequest struct {
	Email           string            `json:"email" validate:"required,email"`
	Name            string            `json:"name" validate:"required"`
	PaymentMethodID string            `json:"payment_method_id" validate:"required"`
	PriceID         string            `json:"price_id" validate:"required"`
	PlanID          string            `json:"plan_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ProvisionResult is returned to the caller after provisioning. The client
// secret confirms the subscription's first invoice on the frontend.
type ProvisionResult struct {
	Customer     *types.Customer     `json:"customer"`
	Subscription *types.Subscription `json:"subscription"`
	ClientSecret string              `json:"client_secret,omitempty"`
}

// Provisioner creates customers and subscriptions on the primary account
// and mirrors them locally, and serves the read-side catalog and status
// queries.
type Provisioner struct {
	customers CustomerStore
	subs      ProvisionStore
	lifecycle external.LifecycleClient
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(
	customers CustomerStore,
	subs ProvisionStore,
	lifecycle external.LifecycleClient,
	logger *slog.Logger,
) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		customers: customers,
		subs:      subs,
		lifecycle: lifecycle,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// CreateSubscription provisions a new customer with a subscription. The
// email must be unused; an existing customer gets a conflict, not a second
// subscription under a new identity. The subscription is created with
// payment_behavior default_incomplete, so the returned client secret must
// be confirmed by the frontend for the first charge to happen.
func (p *Provisioner) CreateSubscription(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	if existing, err := p.customers.GetByEmail(ctx, req.Email); err == nil && existing != nil {
		return nil, types.NewAppError(
			types.ErrCodeConflictEmail,
			"a customer with this email already exists",
			nil,
		)
	} else if err != nil && !isCustomerNotFound(err) {
		return nil, err
	}

	stripeCustomerID, err := p.lifecycle.CreateCustomer(ctx, req.Email, req.Name, req.Metadata)
	if err != nil {
		return nil, err
	}

	if err := p.lifecycle.AttachPaymentMethod(ctx, stripeCustomerID, req.PaymentMethodID); err != nil {
		return nil, err
	}

	provSub, err := p.lifecycle.CreateSubscription(ctx, stripeCustomerID, req.PriceID, req.Metadata)
	if err != nil {
		return nil, err
	}

	now := p.now().UTC()

	customer := &types.Customer{
		ID:               p.newID(),
		Email:            req.Email,
		Name:             req.Name,
		StripeCustomerID: stripeCustomerID,
		Metadata:         req.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := p.customers.Create(ctx, customer); err != nil {
		return nil, err
	}

	sub := &types.Subscription{
		ID:                   p.newID(),
		CustomerID:           customer.ID,
		StripeSubscriptionID: provSub.ID,
		StripeCustomerID:     stripeCustomerID,
		PaymentMethodID:      req.PaymentMethodID,
		PlanID:               req.PlanID,
		StripePriceID:        provSub.PriceID,
		StripeProductID:      provSub.ProductID,
		Status:               provSub.Status,
		CancelAtPeriodEnd:    provSub.CancelAtPeriodEnd,
		AmountCents:          provSub.AmountCents,
		Currency:             provSub.Currency,
		Interval:             provSub.Interval,
		IntervalCount:        provSub.IntervalCount,
		Metadata:             req.Metadata,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if provSub.CurrentPeriodStart > 0 {
		t := time.Unix(provSub.CurrentPeriodStart, 0).UTC()
		sub.CurrentPeriodStart = &t
	}
	if provSub.CurrentPeriodEnd > 0 {
		t := time.Unix(provSub.CurrentPeriodEnd, 0).UTC()
		sub.CurrentPeriodEnd = &t
	}
	if err := p.subs.Create(ctx, sub); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "subscription provisioned",
		slog.String("customer_id", customer.ID),
		slog.String("stripe_subscription_id", provSub.ID),
		slog.String("price_id", provSub.PriceID),
	)

	return &ProvisionResult{
		Customer:     customer,
		Subscription: sub,
		ClientSecret: provSub.ClientSecret,
	}, nil
}

// ListPrices returns the primary account's active recurring prices.
func (p *Provisioner) ListPrices(ctx context.Context) ([]types.Price, error) {
	return p.lifecycle.ListPrices(ctx)
}

// ListProducts returns the primary account's active products with prices.
func (p *Provisioner) ListProducts(ctx context.Context) ([]types.Product, error) {
	return p.lifecycle.ListProducts(ctx)
}

// StatusByEmail returns every subscription for the customer, each enriched
// with live provider state and recent invoices. Provider lookups for the
// subscriptions fan out concurrently; one failed lookup fails the query
// rather than returning a silently partial answer.
func (p *Provisioner) StatusByEmail(ctx context.Context, email string) ([]types.SubscriptionStatusView, error) {
	customer, err := p.customers.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	subs, err := p.subs.ListByCustomer(ctx, customer.ID)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return []types.SubscriptionStatusView{}, nil
	}

	views := make([]types.SubscriptionStatusView, len(subs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statusFanOutLimit)

	for i, sub := range subs {
		g.Go(func() error {
			view, err := p.buildStatusView(gctx, sub)
			if err != nil {
				return err
			}
			views[i] = *view
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return views, nil
}

func (p *Provisioner) buildStatusView(ctx context.Context, sub *types.Subscription) (*types.SubscriptionStatusView, error) {
	view := &types.SubscriptionStatusView{
		ID:                 sub.StripeSubscriptionID,
		Status:             sub.Status,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		Plan: types.Price{
			ID:            sub.StripePriceID,
			ProductID:     sub.StripeProductID,
			Currency:      sub.Currency,
			AmountCents:   sub.AmountCents,
			Interval:      sub.Interval,
			IntervalCount: sub.IntervalCount,
		},
	}

	// Prefer live provider state over the local mirror; the mirror can lag
	// by one webhook.
	provSub, err := p.lifecycle.GetSubscription(ctx, sub.StripeSubscriptionID)
	if err != nil {
		return nil, err
	}
	view.Status = provSub.Status
	view.CancelAtPeriodEnd = provSub.CancelAtPeriodEnd
	if provSub.CurrentPeriodStart > 0 {
		t := time.Unix(provSub.CurrentPeriodStart, 0).UTC()
		view.CurrentPeriodStart = &t
	}
	if provSub.CurrentPeriodEnd > 0 {
		t := time.Unix(provSub.CurrentPeriodEnd, 0).UTC()
		view.CurrentPeriodEnd = &t
	}

	// A locally canceled subscription is reported canceled even if the
	// provider view lags.
	if sub.Status.IsTerminal() {
		view.Status = sub.Status
	}

	invoices, err := p.lifecycle.ListInvoices(ctx, sub.StripeCustomerID, sub.StripeSubscriptionID, 10)
	if err != nil {
		return nil, err
	}
	view.Invoices = invoices
	return view, nil
}

func isCustomerNotFound(err error) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundCustomer
}
