package external

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"subsync/internal/types"
)

func newLifecycleTestClient(t *testing.T, serverURL string) *StripeLifecycleClient {
	t.Helper()
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"stripe-lifecycle-test",
		RetryPolicy{MaxRetries: 1, MinWait: time.Millisecond, MaxWait: 10 * time.Millisecond},
		"SubSync-Test/1.0",
		WithSleepFunc(noopSleep),
	)
	return NewStripeLifecycleClientWithBase(base, StripeClientConfig{
		SecretKey: "sk_test_primary",
		BaseURL:   serverURL,
	})
}

func TestCreateCustomer_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/customers" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		if got := r.PostForm.Get("email"); got != "jane@example.com" {
			t.Errorf("unexpected email %q", got)
		}
		if got := r.PostForm.Get("metadata[source]"); got != "signup" {
			t.Errorf("unexpected metadata %q", got)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id": "cus_1", "email": "jane@example.com"}`))
	}))
	defer server.Close()

	client := newLifecycleTestClient(t, server.URL)
	id, err := client.CreateCustomer(context.Background(), "jane@example.com", "Jane Doe", map[string]string{"source": "signup"})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if id != "cus_1" {
		t.Errorf("expected cus_1, got %s", id)
	}
}

func TestAttachPaymentMethod_AttachesAndSetsDefault(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		switch r.URL.Path {
		case "/v1/payment_methods/pm_1/attach":
			if got := r.PostForm.Get("customer"); got != "cus_1" {
				t.Errorf("unexpected customer %q", got)
			}
		case "/v1/customers/cus_1":
			if got := r.PostForm.Get("invoice_settings[default_payment_method]"); got != "pm_1" {
				t.Errorf("expected default payment method update, got %q", got)
			}
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id": "pm_1"}`))
	}))
	defer server.Close()

	client := newLifecycleTestClient(t, server.URL)
	if err := client.AttachPaymentMethod(context.Background(), "cus_1", "pm_1"); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected attach then default update, got %v", paths)
	}
}

func TestCreateSubscription_ReturnsClientSecret(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		if got := r.PostForm.Get("payment_behavior"); got != "default_incomplete" {
			t.Errorf("expected default_incomplete, got %q", got)
		}
		if got := r.PostForm.Get("expand[0]"); got != "latest_invoice.payment_intent" {
			t.Errorf("expected payment intent expansion, got %q", got)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{
			"id": "sub_1",
			"customer": "cus_1",
			"status": "incomplete",
			"current_period_start": 1772366400,
			"current_period_end": 1775044800,
			"items": {"data": [{"price": {
				"id": "price_1",
				"product": "prod_1",
				"currency": "usd",
				"unit_amount": 1999,
				"recurring": {"interval": "month", "interval_count": 1}
			}}]},
			"latest_invoice": {
				"id": "in_1",
				"payment_intent": {"id": "pi_1", "status": "requires_confirmation", "client_secret": "pi_1_secret"}
			}
		}`))
	}))
	defer server.Close()

	client := newLifecycleTestClient(t, server.URL)
	sub, err := client.CreateSubscription(context.Background(), "cus_1", "price_1", nil)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if sub.ID != "sub_1" {
		t.Errorf("expected sub_1, got %s", sub.ID)
	}
	if sub.Status != types.SubStatusIncomplete {
		t.Errorf("expected incomplete status, got %s", sub.Status)
	}
	if sub.PriceID != "price_1" || sub.ProductID != "prod_1" {
		t.Errorf("expected price mapping, got price=%s product=%s", sub.PriceID, sub.ProductID)
	}
	if sub.AmountCents != 1999 || sub.Currency != "usd" {
		t.Errorf("expected amount mapping, got %d %s", sub.AmountCents, sub.Currency)
	}
	if sub.Interval != "month" || sub.IntervalCount != 1 {
		t.Errorf("expected recurring mapping, got %s/%d", sub.Interval, sub.IntervalCount)
	}
	if sub.ClientSecret != "pi_1_secret" {
		t.Errorf("expected client secret from expanded invoice, got %q", sub.ClientSecret)
	}
}

func TestGetSubscription_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": {"type": "invalid_request_error", "message": "No such subscription"}}`))
	}))
	defer server.Close()

	client := newLifecycleTestClient(t, server.URL)
	_, err := client.GetSubscription(context.Background(), "sub_ghost")
	if err == nil {
		t.Fatal("expected error on 404")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeNotFoundSubscription {
		t.Errorf("expected %s, got %s", types.ErrCodeNotFoundSubscription, appErr.Code)
	}
}

func TestCancelSubscription_Immediate(t *testing.T) {
	var gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		if r.URL.Path != "/v1/subscriptions/sub_1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id": "sub_1", "status": "canceled", "canceled_at": 1772366400}`))
	}))
	defer server.Close()

	client := newLifecycleTestClient(t, server.URL)
	sub, err := client.CancelSubscription(context.Background(), "sub_1", false)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if gotMethod != http.MethodDelete {
		t.Errorf("immediate cancel must DELETE, got %s", gotMethod)
	}
	if sub.Status != types.SubStatusCanceled {
		t.Errorf("expected canceled status, got %s", sub.Status)
	}
	if sub.CanceledAt != 1772366400 {
		t.Errorf("expected canceled_at carried through, got %d", sub.CanceledAt)
	}
}

func TestCancelSubscription_AtPeriodEnd(t *testing.T) {
	var gotMethod, gotFlag string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		gotFlag = r.PostForm.Get("cancel_at_period_end")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id": "sub_1", "status": "active", "cancel_at_period_end": true}`))
	}))
	defer server.Close()

	client := newLifecycleTestClient(t, server.URL)
	sub, err := client.CancelSubscription(context.Background(), "sub_1", true)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("period-end cancel must POST an update, got %s", gotMethod)
	}
	if gotFlag != "true" {
		t.Errorf("expected cancel_at_period_end flag, got %q", gotFlag)
	}
	if !sub.CancelAtPeriodEnd {
		t.Error("expected cancel_at_period_end in mapped subscription")
	}
}

func TestListPrices_MapsExpandedProducts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("type"); got != "recurring" {
			t.Errorf("expected recurring filter, got %q", got)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data": [
			{
				"id": "price_1",
				"product": {"id": "prod_1", "name": "Pro", "active": true},
				"currency": "usd",
				"unit_amount": 1999,
				"type": "recurring",
				"recurring": {"interval": "month", "interval_count": 1}
			},
			{
				"id": "price_2",
				"product": "prod_2",
				"currency": "usd",
				"unit_amount": 19900,
				"type": "recurring",
				"recurring": {"interval": "year", "interval_count": 1}
			}
		], "has_more": false}`))
	}))
	defer server.Close()

	client := newLifecycleTestClient(t, server.URL)
	prices, err := client.ListPrices(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if len(prices) != 2 {
		t.Fatalf("expected 2 prices, got %d", len(prices))
	}
	if prices[0].ProductID != "prod_1" || prices[0].ProductName != "Pro" {
		t.Errorf("expected expanded product mapping, got %+v", prices[0])
	}
	if prices[1].ProductID != "prod_2" || prices[1].ProductName != "" {
		t.Errorf("expected bare product id mapping, got %+v", prices[1])
	}
	if prices[1].Interval != "year" {
		t.Errorf("expected yearly interval, got %s", prices[1].Interval)
	}
}

func TestListProducts_GroupsPrices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/products":
			w.Write([]byte(`{"data": [
				{"id": "prod_1", "name": "Pro", "active": true},
				{"id": "prod_2", "name": "Enterprise", "active": true}
			], "has_more": false}`))
		case "/v1/prices":
			w.Write([]byte(`{"data": [
				{"id": "price_1", "product": "prod_1", "currency": "usd", "unit_amount": 1999, "type": "recurring"}
			], "has_more": false}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := newLifecycleTestClient(t, server.URL)
	products, err := client.ListProducts(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if len(products) != 2 {
		t.Fatalf("expected 2 products, got %d", len(products))
	}
	if len(products[0].Prices) != 1 || products[0].Prices[0].ID != "price_1" {
		t.Errorf("expected prod_1 to carry price_1, got %+v", products[0].Prices)
	}
	if len(products[1].Prices) != 0 {
		t.Errorf("expected prod_2 without prices, got %+v", products[1].Prices)
	}
}

func TestListInvoices_MapsSummaries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("customer") != "cus_1" || q.Get("subscription") != "sub_1" || q.Get("limit") != "5" {
			t.Errorf("unexpected query %v", q)
		}
		w.Write([]byte(`{"data": [{
			"id": "in_1",
			"status": "paid",
			"amount_paid": 1999,
			"currency": "usd",
			"created": 1772366400,
			"hosted_invoice_url": "https://pay.example.com/in_1"
		}], "has_more": false}`))
	}))
	defer server.Close()

	client := newLifecycleTestClient(t, server.URL)
	invoices, err := client.ListInvoices(context.Background(), "cus_1", "sub_1", 5)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if len(invoices) != 1 {
		t.Fatalf("expected 1 invoice, got %d", len(invoices))
	}
	if invoices[0].ID != "in_1" || invoices[0].AmountPaidCents != 1999 {
		t.Errorf("unexpected mapping %+v", invoices[0])
	}
	if !invoices[0].Created.Equal(time.Unix(1772366400, 0).UTC()) {
		t.Errorf("unexpected created time %v", invoices[0].Created)
	}
}

func TestMapStripeError_RateLimit(t *testing.T) {
	err := mapStripeError("Test", http.StatusTooManyRequests, &stripeErrorBody{Message: "slow down"}, types.ErrCodeNotFoundSubscription)

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeUpstreamRateLimit {
		t.Errorf("expected %s, got %s", types.ErrCodeUpstreamRateLimit, appErr.Code)
	}
}

func TestMapStripeError_DeclineWinsOverStatus(t *testing.T) {
	err := mapStripeError("Test", http.StatusPaymentRequired, &stripeErrorBody{
		Code:        "card_declined",
		DeclineCode: "do_not_honor",
		Message:     "declined",
	}, types.ErrCodeNotFoundSubscription)

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodePaymentDeclined {
		t.Errorf("expected %s, got %s", types.ErrCodePaymentDeclined, appErr.Code)
	}
	if appErr.Details["decline_code"] != "do_not_honor" {
		t.Errorf("expected decline code in details, got %v", appErr.Details)
	}
}
