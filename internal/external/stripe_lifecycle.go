package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"subsync/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration shared by both Stripe clients.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeLifecycleClient implements LifecycleClient against the primary
// Stripe account using direct REST calls through BaseClient. Direct HTTP
// keeps all requests inside the shared resilience layer and makes httptest
// servers the natural test double.
type StripeLifecycleClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeLifecycleClient creates a lifecycle client. The httpClient
// timeout bounds each attempt; 20 seconds matches Stripe's own guidance.
func NewStripeLifecycleClient(httpClient *http.Client, cfg StripeClientConfig) *StripeLifecycleClient {
	base := NewBaseClient(
		httpClient,
		"stripe-lifecycle",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"SubSync/1.0",
	)
	return NewStripeLifecycleClientWithBase(base, cfg)
}

// NewStripeLifecycleClientWithBase creates a lifecycle client around a
// pre-configured BaseClient, for tests that need to control retry behavior.
func NewStripeLifecycleClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeLifecycleClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeLifecycleClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// CreateCustomer creates a customer on the primary account.
func (s *StripeLifecycleClient) CreateCustomer(ctx context.Context, email, name string, metadata map[string]string) (string, error) {
	params := url.Values{}
	params.Set("email", email)
	if name != "" {
		params.Set("name", name)
	}
	for k, v := range metadata {
		params.Set("metadata["+k+"]", v)
	}

	resp, err := s.doPost(ctx, "/v1/customers", params, "")
	if err != nil {
		return "", s.wrapTransportError("CreateCustomer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "CreateCustomer")
	}

	var customer stripeCustomer
	if err := json.NewDecoder(resp.Body).Decode(&customer); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode Stripe customer response", err)
	}
	return customer.ID, nil
}

// AttachPaymentMethod attaches the payment method and promotes it to the
// customer's default for invoice payments.
func (s *StripeLifecycleClient) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	attachParams := url.Values{}
	attachParams.Set("customer", customerID)

	resp, err := s.doPost(ctx, "/v1/payment_methods/"+paymentMethodID+"/attach", attachParams, "")
	if err != nil {
		return s.wrapTransportError("AttachPaymentMethod.attach", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "AttachPaymentMethod.attach")
	}

	updateParams := url.Values{}
	updateParams.Set("invoice_settings[default_payment_method]", paymentMethodID)

	resp, err = s.doPost(ctx, "/v1/customers/"+customerID, updateParams, "")
	if err != nil {
		return s.wrapTransportError("AttachPaymentMethod.default", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "AttachPaymentMethod.default")
	}
	return nil
}

// CreateSubscription creates a subscription with payment_behavior
// default_incomplete: the first invoice is finalized without an automatic
// charge, and the expanded payment intent's client secret is returned so
// the frontend can confirm payment.
func (s *StripeLifecycleClient) CreateSubscription(ctx context.Context, customerID, priceID string, metadata map[string]string) (*ProviderSubscription, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("items[0][price]", priceID)
	params.Set("payment_behavior", "default_incomplete")
	params.Set("payment_settings[save_default_payment_method]", "on_subscription")
	params.Set("expand[0]", "latest_invoice.payment_intent")
	for k, v := range metadata {
		params.Set("metadata["+k+"]", v)
	}

	resp, err := s.doPost(ctx, "/v1/subscriptions", params, "")
	if err != nil {
		return nil, s.wrapTransportError("CreateSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateSubscription")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode Stripe subscription response", err)
	}
	return mapProviderSubscription(&sub), nil
}

// GetSubscription fetches current subscription state from the primary account.
func (s *StripeLifecycleClient) GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	resp, err := s.doGet(ctx, "/v1/subscriptions/"+subscriptionID, nil)
	if err != nil {
		return nil, s.wrapTransportError("GetSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetSubscription")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode Stripe subscription response", err)
	}
	return mapProviderSubscription(&sub), nil
}

// CancelSubscription cancels immediately or at period end.
func (s *StripeLifecycleClient) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*ProviderSubscription, error) {
	var resp *http.Response
	var err error

	if atPeriodEnd {
		params := url.Values{}
		params.Set("cancel_at_period_end", "true")
		resp, err = s.doPost(ctx, "/v1/subscriptions/"+subscriptionID, params, "")
	} else {
		resp, err = s.doDelete(ctx, "/v1/subscriptions/"+subscriptionID)
	}
	if err != nil {
		return nil, s.wrapTransportError("CancelSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CancelSubscription")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode Stripe subscription response", err)
	}
	return mapProviderSubscription(&sub), nil
}

// ListPrices returns active recurring prices with their products expanded.
func (s *StripeLifecycleClient) ListPrices(ctx context.Context) ([]types.Price, error) {
	params := url.Values{}
	params.Set("active", "true")
	params.Set("type", "recurring")
	params.Set("limit", "100")
	params.Set("expand[0]", "data.product")

	resp, err := s.doGet(ctx, "/v1/prices", params)
	if err != nil {
		return nil, s.wrapTransportError("ListPrices", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "ListPrices")
	}

	var listResp stripePriceList
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode Stripe prices response", err)
	}

	prices := make([]types.Price, 0, len(listResp.Data))
	for _, sp := range listResp.Data {
		prices = append(prices, mapPrice(&sp))
	}
	return prices, nil
}

// ListProducts returns active products, each with its active prices.
func (s *StripeLifecycleClient) ListProducts(ctx context.Context) ([]types.Product, error) {
	params := url.Values{}
	params.Set("active", "true")
	params.Set("limit", "100")

	resp, err := s.doGet(ctx, "/v1/products", params)
	if err != nil {
		return nil, s.wrapTransportError("ListProducts", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "ListProducts")
	}

	var productResp stripeProductList
	if err := json.NewDecoder(resp.Body).Decode(&productResp); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode Stripe products response", err)
	}

	prices, err := s.ListPrices(ctx)
	if err != nil {
		return nil, err
	}
	pricesByProduct := make(map[string][]types.Price)
	for _, p := range prices {
		pricesByProduct[p.ProductID] = append(pricesByProduct[p.ProductID], p)
	}

	products := make([]types.Product, 0, len(productResp.Data))
	for _, sp := range productResp.Data {
		products = append(products, types.Product{
			ID:          sp.ID,
			Name:        sp.Name,
			Description: sp.Description,
			Active:      sp.Active,
			Metadata:    sp.Metadata,
			Prices:      pricesByProduct[sp.ID],
		})
	}
	return products, nil
}

// ListInvoices returns recent invoices for one subscription, newest first.
func (s *StripeLifecycleClient) ListInvoices(ctx context.Context, customerID, subscriptionID string, limit int) ([]types.InvoiceSummary, error) {
	if limit <= 0 {
		limit = 10
	}

	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("subscription", subscriptionID)
	params.Set("limit", strconv.Itoa(limit))

	resp, err := s.doGet(ctx, "/v1/invoices", params)
	if err != nil {
		return nil, s.wrapTransportError("ListInvoices", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "ListInvoices")
	}

	var listResp stripeInvoiceList
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode Stripe invoices response", err)
	}

	invoices := make([]types.InvoiceSummary, 0, len(listResp.Data))
	for _, si := range listResp.Data {
		invoices = append(invoices, types.InvoiceSummary{
			ID:               si.ID,
			Status:           si.Status,
			AmountPaidCents:  si.AmountPaid,
			Currency:         si.Currency,
			Created:          time.Unix(si.Created, 0).UTC(),
			HostedInvoiceURL: si.HostedInvoiceURL,
			InvoicePDF:       si.InvoicePDF,
		})
	}
	return invoices, nil
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func (s *StripeLifecycleClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req, "")
	return s.base.Do(req)
}

func (s *StripeLifecycleClient) doPost(ctx context.Context, path string, params url.Values, idempotencyKey string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req, idempotencyKey)
	return s.base.Do(req)
}

func (s *StripeLifecycleClient) doDelete(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req, "")
	return s.base.Do(req)
}

func (s *StripeLifecycleClient) setAuthHeaders(req *http.Request, idempotencyKey string) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
}

func (s *StripeLifecycleClient) handleErrorResponse(resp *http.Response, operation string) error {
	return handleStripeErrorResponse(resp, operation, types.ErrCodeNotFoundSubscription)
}

func (s *StripeLifecycleClient) wrapTransportError(operation string, err error) error {
	return wrapStripeTransportError(operation, err)
}

// ---------------------------------------------------------------------------
// Shared Stripe error handling
// ---------------------------------------------------------------------------

// stripeErrorResponse is the JSON error envelope returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

// handleStripeErrorResponse reads a Stripe error body and maps it to an
// AppError. notFoundCode lets each client pick its domain's 404 meaning.
func handleStripeErrorResponse(resp *http.Response, operation string, notFoundCode types.ErrorCode) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	return mapStripeError(operation, resp.StatusCode, &stripeErr.Error, notFoundCode)
}

// mapStripeError translates one Stripe error into the domain taxonomy.
// Declines are definitive business answers, everything 429/5xx is transient.
func mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody, notFoundCode types.ErrorCode) error {
	if stripeErr.Code == "card_declined" || stripeErr.DeclineCode != "" {
		return types.NewAppErrorWithDetails(
			types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, stripeErr.Message),
			nil,
			map[string]any{
				"decline_code": stripeErr.DeclineCode,
				"stripe_code":  stripeErr.Code,
			},
		)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimit,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case statusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamDown,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Message),
			nil,
		)
	case statusCode == http.StatusNotFound:
		return types.NewAppError(
			notFoundCode,
			fmt.Sprintf("%s: Stripe resource not found: %s", operation, stripeErr.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message),
			nil,
		)
	}
}

// wrapStripeTransportError wraps a BaseClient failure, preserving AppErrors
// that already carry the right transient code.
func wrapStripeTransportError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe response types
// ---------------------------------------------------------------------------

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID                 string                  `json:"id"`
	Customer           string                  `json:"customer"`
	Status             string                  `json:"status"`
	CancelAtPeriodEnd  bool                    `json:"cancel_at_period_end"`
	CanceledAt         int64                   `json:"canceled_at"`
	CurrentPeriodStart int64                   `json:"current_period_start"`
	CurrentPeriodEnd   int64                   `json:"current_period_end"`
	Items              stripeSubscriptionItems `json:"items"`
	LatestInvoice      *stripeExpandedInvoice  `json:"latest_invoice"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	Price stripePrice `json:"price"`
}

type stripePrice struct {
	ID         string            `json:"id"`
	Product    json.RawMessage   `json:"product"`
	Currency   string            `json:"currency"`
	UnitAmount int64             `json:"unit_amount"`
	Type       string            `json:"type"`
	Nickname   string            `json:"nickname"`
	Recurring  *stripeRecurring  `json:"recurring"`
	Metadata   map[string]string `json:"metadata"`
}

type stripeRecurring struct {
	Interval      string `json:"interval"`
	IntervalCount int    `json:"interval_count"`
}

type stripePriceList struct {
	Data    []stripePrice `json:"data"`
	HasMore bool          `json:"has_more"`
}

type stripeProduct struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Active      bool              `json:"active"`
	Metadata    map[string]string `json:"metadata"`
}

type stripeProductList struct {
	Data    []stripeProduct `json:"data"`
	HasMore bool            `json:"has_more"`
}

type stripeExpandedInvoice struct {
	ID            string               `json:"id"`
	PaymentIntent *stripePaymentIntent `json:"payment_intent"`
}

type stripePaymentIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret"`
}

type stripeInvoice struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	AmountPaid       int64  `json:"amount_paid"`
	Currency         string `json:"currency"`
	Created          int64  `json:"created"`
	HostedInvoiceURL string `json:"hosted_invoice_url"`
	InvoicePDF       string `json:"invoice_pdf"`
}

type stripeInvoiceList struct {
	Data    []stripeInvoice `json:"data"`
	HasMore bool            `json:"has_more"`
}

// ---------------------------------------------------------------------------
// Mapping
// ---------------------------------------------------------------------------

// productID extracts the product reference from a price whose product field
// may be a bare id string or an expanded object.
func (p *stripePrice) productID() (id, name string) {
	if len(p.Product) == 0 {
		return "", ""
	}
	var s string
	if err := json.Unmarshal(p.Product, &s); err == nil {
		return s, ""
	}
	var obj stripeProduct
	if err := json.Unmarshal(p.Product, &obj); err == nil {
		return obj.ID, obj.Name
	}
	return "", ""
}

func mapPrice(sp *stripePrice) types.Price {
	productID, productName := sp.productID()
	price := types.Price{
		ID:          sp.ID,
		ProductID:   productID,
		ProductName: productName,
		Currency:    sp.Currency,
		AmountCents: sp.UnitAmount,
		Type:        sp.Type,
		Nickname:    sp.Nickname,
		Metadata:    sp.Metadata,
	}
	if sp.Recurring != nil {
		price.Interval = sp.Recurring.Interval
		price.IntervalCount = sp.Recurring.IntervalCount
	}
	return price
}

func mapProviderSubscription(sub *stripeSubscription) *ProviderSubscription {
	ps := &ProviderSubscription{
		ID:                 sub.ID,
		CustomerID:         sub.Customer,
		Status:             types.ParseSubscriptionStatus(sub.Status),
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CanceledAt:         sub.CanceledAt,
	}

	if len(sub.Items.Data) > 0 {
		price := sub.Items.Data[0].Price
		ps.PriceID = price.ID
		ps.ProductID, _ = price.productID()
		ps.AmountCents = price.UnitAmount
		ps.Currency = price.Currency
		if price.Recurring != nil {
			ps.Interval = price.Recurring.Interval
			ps.IntervalCount = price.Recurring.IntervalCount
		}
	}

	if sub.LatestInvoice != nil {
		ps.LatestInvoiceID = sub.LatestInvoice.ID
		if sub.LatestInvoice.PaymentIntent != nil {
			ps.ClientSecret = sub.LatestInvoice.PaymentIntent.ClientSecret
		}
	}

	return ps
}
