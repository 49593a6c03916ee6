package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/mail"

	"github.com/go-chi/chi/v5"

	"subsync/internal/billing"
	"subsync/internal/core"
	"subsync/internal/types"
)

// ProvisioningService is the subset of the billing provisioner the public
// API handlers need.
type ProvisioningService interface {
	CreateSubscription(ctx context.Context, req billing.ProvisionRequest) (*billing.ProvisionResult, error)
	ListPrices(ctx context.Context) ([]types.Price, error)
	ListProducts(ctx context.Context) ([]types.Product, error)
	StatusByEmail(ctx context.Context, email string) ([]types.SubscriptionStatusView, error)
}

// SubscriptionsHandler serves the public subscription management API:
// provisioning, catalog listing, and status lookup.
type SubscriptionsHandler struct {
	provisioner ProvisioningService
	validator   *core.Validator
	logger      *slog.Logger
}

// NewSubscriptionsHandler creates a SubscriptionsHandler.
func NewSubscriptionsHandler(provisioner ProvisioningService, validator *core.Validator, logger *slog.Logger) *SubscriptionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionsHandler{
		provisioner: provisioner,
		validator:   validator,
		logger:      logger,
	}
}

// RegisterRoutes mounts the public subscription routes under /v1.
func (h *SubscriptionsHandler) RegisterRoutes(r chi.Router) {
	r.Post("/subscriptions", h.Create)
	r.Get("/subscriptions/status", h.Status)
	r.Get("/prices", h.ListPrices)
	r.Get("/products", h.ListProducts)
}

// Create handles POST /v1/subscriptions. It provisions a customer and
// subscription in the primary account and returns the client secret the
// frontend needs to confirm the first payment.
func (h *SubscriptionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req billing.ProvisionRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.provisioner.CreateSubscription(r.Context(), req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "subscription provisioned",
		"customer_id", result.Customer.ID,
		"stripe_subscription_id", result.Subscription.StripeSubscriptionID,
	)

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: result})
}

// Status handles GET /v1/subscriptions/status?email=. It returns the
// customer's subscriptions enriched with live provider state and recent
// invoices.
func (h *SubscriptionsHandler) Status(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"email query parameter is required",
			nil,
		))
		return
	}
	if _, err := mail.ParseAddress(email); err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidEmail,
			"email query parameter is not a valid address",
			err,
		))
		return
	}

	views, err := h.provisioner.StatusByEmail(r.Context(), email)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: views})
}

// ListPrices handles GET /v1/prices, proxying the primary account's active
// price list.
func (h *SubscriptionsHandler) ListPrices(w http.ResponseWriter, r *http.Request) {
	prices, err := h.provisioner.ListPrices(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: prices})
}

// ListProducts handles GET /v1/products, proxying the primary account's
// active product list.
func (h *SubscriptionsHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.provisioner.ListProducts(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: products})
}
