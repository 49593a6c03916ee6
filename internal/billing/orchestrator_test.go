package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"subsync/internal/db"
	"subsync/internal/types"
)

// --- Mock implementations shared by the billing tests ---

type mockSubStore struct {
	mock.Mock
}

func (m *mockSubStore) GetByStripeID(ctx context.Context, stripeSubID string) (*types.Subscription, error) {
	args := m.Called(ctx, stripeSubID)
	if s := args.Get(0); s != nil {
		return s.(*types.Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSubStore) ApplyCaptureSuccess(ctx context.Context, stripeSubID string, paidAt time.Time) error {
	args := m.Called(ctx, stripeSubID, paidAt)
	return args.Error(0)
}

func (m *mockSubStore) ApplyCaptureFailure(ctx context.Context, stripeSubID string, invoiceURL string, failedAt time.Time) error {
	args := m.Called(ctx, stripeSubID, invoiceURL, failedAt)
	return args.Error(0)
}

func (m *mockSubStore) SyncLifecycle(ctx context.Context, p db.SyncLifecycleParams) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *mockSubStore) MarkCanceled(ctx context.Context, stripeSubID string, canceledAt time.Time) error {
	args := m.Called(ctx, stripeSubID, canceledAt)
	return args.Error(0)
}

func (m *mockSubStore) ConfirmPayment(ctx context.Context, stripeSubID string, paidAt time.Time) error {
	args := m.Called(ctx, stripeSubID, paidAt)
	return args.Error(0)
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) Exists(ctx context.Context, invoiceID string) (bool, error) {
	args := m.Called(ctx, invoiceID)
	return args.Bool(0), args.Error(1)
}

func (m *mockLedger) Record(ctx context.Context, rec *types.CaptureRecord) (bool, error) {
	args := m.Called(ctx, rec)
	return args.Bool(0), args.Error(1)
}

type mockCaptureClient struct {
	mock.Mock
}

func (m *mockCaptureClient) Capture(ctx context.Context, req types.CaptureRequest) (*types.CaptureResult, error) {
	args := m.Called(ctx, req)
	if r := args.Get(0); r != nil {
		return r.(*types.CaptureResult), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) PaymentSucceeded(ctx context.Context, sub *types.Subscription, invoiceID string, amountCents int64, currency string) error {
	args := m.Called(ctx, sub, invoiceID, amountCents, currency)
	return args.Error(0)
}

func (m *mockNotifier) PaymentActionRequired(ctx context.Context, sub *types.Subscription, invoiceID, hostedInvoiceURL string) error {
	args := m.Called(ctx, sub, invoiceID, hostedInvoiceURL)
	return args.Error(0)
}

func (m *mockNotifier) PaymentFailed(ctx context.Context, sub *types.Subscription, invoiceID, hostedInvoiceURL string, amountCents int64, currency string) error {
	args := m.Called(ctx, sub, invoiceID, hostedInvoiceURL, amountCents, currency)
	return args.Error(0)
}

func (m *mockNotifier) SubscriptionConfirmed(ctx context.Context, sub *types.Subscription, planID string, nextBillingDate time.Time) error {
	args := m.Called(ctx, sub, planID, nextBillingDate)
	return args.Error(0)
}

func (m *mockNotifier) SubscriptionCanceled(ctx context.Context, sub *types.Subscription) error {
	args := m.Called(ctx, sub)
	return args.Error(0)
}

// --- Helpers ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireAppError(t *testing.T, err error) *types.AppError {
	t.Helper()
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	return appErr
}

func setupOrchestrator(t *testing.T) (*Orchestrator, *mockSubStore, *mockLedger, *mockCaptureClient, *mockNotifier) {
	t.Helper()
	subs := new(mockSubStore)
	ledger := new(mockLedger)
	capture := new(mockCaptureClient)
	notifier := new(mockNotifier)

	o := NewOrchestrator(subs, ledger, capture, notifier, NewLockSet(), testLogger())
	o.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return o, subs, ledger, capture, notifier
}

func invoiceCreatedEvent(t *testing.T, object map[string]any) *Event {
	t.Helper()
	obj, err := json.Marshal(object)
	require.NoError(t, err)

	payload, err := json.Marshal(map[string]any{
		"id":      "evt_inv",
		"type":    "invoice.created",
		"created": 1772366400,
		"data":    map[string]any{"object": json.RawMessage(obj)},
	})
	require.NoError(t, err)

	evt, err := ParseEvent(payload)
	require.NoError(t, err)
	return evt
}

func openInvoiceObject() map[string]any {
	return map[string]any{
		"id":                 "in_1",
		"customer":           "cus_1",
		"subscription":       "sub_1",
		"status":             "open",
		"billing_reason":     "subscription_cycle",
		"amount_due":         1999,
		"currency":           "usd",
		"hosted_invoice_url": "https://pay.example.com/in_1",
	}
}

func activeSubscription() *types.Subscription {
	return &types.Subscription{
		ID:                   "00000000-0000-0000-0000-000000000001",
		StripeSubscriptionID: "sub_1",
		StripeCustomerID:     "cus_1",
		PaymentMethodID:      "pm_1",
		Status:               types.SubStatusActive,
		AmountCents:          1999,
		Currency:             "usd",
	}
}

// --- HandleInvoiceCreated: capture paths ---

func TestHandleInvoiceCreated_CaptureSuccess(t *testing.T) {
	o, subs, ledger, capture, notifier := setupOrchestrator(t)
	sub := activeSubscription()

	var order []string

	subs.On("GetByStripeID", mock.Anything, "sub_1").Return(sub, nil)
	ledger.On("Exists", mock.Anything, "in_1").Return(false, nil)
	capture.On("Capture", mock.Anything, mock.MatchedBy(func(req types.CaptureRequest) bool {
		return req.InvoiceID == "in_1" &&
			req.AmountCents == 1999 &&
			req.Currency == "usd" &&
			req.PaymentMethodID == "pm_1" &&
			req.CustomerID == "cus_1" &&
			req.Metadata["stripe_subscription_id"] == "sub_1"
	})).Run(func(args mock.Arguments) {
		order = append(order, "capture")
	}).Return(&types.CaptureResult{
		Outcome:         types.CaptureSucceeded,
		PaymentIntentID: "pi_1",
	}, nil)

	ledger.On("Record", mock.Anything, mock.MatchedBy(func(rec *types.CaptureRecord) bool {
		return rec.InvoiceID == "in_1" &&
			rec.StripeSubscriptionID == "sub_1" &&
			rec.PaymentIntentID == "pi_1" &&
			rec.AmountCents == 1999
	})).Run(func(args mock.Arguments) {
		order = append(order, "record")
	}).Return(true, nil)

	subs.On("ApplyCaptureSuccess", mock.Anything, "sub_1", mock.Anything).Run(func(args mock.Arguments) {
		order = append(order, "apply")
	}).Return(nil)

	notifier.On("PaymentSucceeded", mock.Anything, sub, "in_1", int64(1999), "usd").Run(func(args mock.Arguments) {
		order = append(order, "notify")
	}).Return(nil)

	outcome, err := o.HandleInvoiceCreated(context.Background(), invoiceCreatedEvent(t, openInvoiceObject()))
	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeProcessed, outcome)

	// The ledger row lands before local state and before any email.
	assert.Equal(t, []string{"capture", "record", "apply", "notify"}, order)

	subs.AssertExpectations(t)
	ledger.AssertExpectations(t)
	capture.AssertExpectations(t)
	notifier.AssertExpectations(t)
}

func TestHandleInvoiceCreated_Declined(t *testing.T) {
	o, subs, ledger, capture, notifier := setupOrchestrator(t)
	sub := activeSubscription()

	// A prorated invoice: the declined amount differs from the
	// subscription's standing price, and the email must carry the
	// invoice's figures.
	obj := openInvoiceObject()
	obj["amount_due"] = 2499
	obj["currency"] = "eur"

	subs.On("GetByStripeID", mock.Anything, "sub_1").Return(sub, nil)
	ledger.On("Exists", mock.Anything, "in_1").Return(false, nil)
	capture.On("Capture", mock.Anything, mock.Anything).Return(&types.CaptureResult{
		Outcome:     types.CaptureFailed,
		DeclineCode: "insufficient_funds",
	}, nil)
	subs.On("ApplyCaptureFailure", mock.Anything, "sub_1", "https://pay.example.com/in_1", mock.Anything).Return(nil)
	notifier.On("PaymentFailed", mock.Anything, sub, "in_1", "https://pay.example.com/in_1", int64(2499), "eur").Return(nil)

	outcome, err := o.HandleInvoiceCreated(context.Background(), invoiceCreatedEvent(t, obj))
	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeProcessed, outcome)

	// A definitive decline never writes a ledger row.
	ledger.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
	subs.AssertExpectations(t)
	notifier.AssertExpectations(t)
}

func TestHandleInvoiceCreated_RequiresAction(t *testing.T) {
	o, subs, ledger, capture, notifier := setupOrchestrator(t)
	sub := activeSubscription()

	subs.On("GetByStripeID", mock.Anything, "sub_1").Return(sub, nil)
	ledger.On("Exists", mock.Anything, "in_1").Return(false, nil)
	capture.On("Capture", mock.Anything, mock.Anything).Return(&types.CaptureResult{
		Outcome:      types.CaptureRequiresAction,
		ClientSecret: "pi_1_secret",
	}, nil)
	notifier.On("PaymentActionRequired", mock.Anything, sub, "in_1", "https://pay.example.com/in_1").Return(nil)

	outcome, err := o.HandleInvoiceCreated(context.Background(), invoiceCreatedEvent(t, openInvoiceObject()))
	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeProcessed, outcome)

	// The subscription keeps its current status while the customer
	// authenticates.
	subs.AssertNotCalled(t, "ApplyCaptureSuccess", mock.Anything, mock.Anything, mock.Anything)
	subs.AssertNotCalled(t, "ApplyCaptureFailure", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	ledger.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
	notifier.AssertExpectations(t)
}

func TestHandleInvoiceCreated_TransientCaptureError(t *testing.T) {
	o, subs, ledger, capture, _ := setupOrchestrator(t)

	subs.On("GetByStripeID", mock.Anything, "sub_1").Return(activeSubscription(), nil)
	ledger.On("Exists", mock.Anything, "in_1").Return(false, nil)
	capture.On("Capture", mock.Anything, mock.Anything).
		Return(nil, types.NewAppError(types.ErrCodeUpstreamStripe, "vendor unreachable", nil))

	outcome, err := o.HandleInvoiceCreated(context.Background(), invoiceCreatedEvent(t, openInvoiceObject()))
	require.Error(t, err)
	assert.Equal(t, types.EventOutcomeFailed, outcome)

	// Unknown outcome: no local writes until redelivery settles it.
	subs.AssertNotCalled(t, "ApplyCaptureSuccess", mock.Anything, mock.Anything, mock.Anything)
	subs.AssertNotCalled(t, "ApplyCaptureFailure", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	ledger.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
}

func TestHandleInvoiceCreated_LedgerWriteFailsAfterCapture(t *testing.T) {
	o, subs, ledger, capture, notifier := setupOrchestrator(t)

	subs.On("GetByStripeID", mock.Anything, "sub_1").Return(activeSubscription(), nil)
	ledger.On("Exists", mock.Anything, "in_1").Return(false, nil)
	capture.On("Capture", mock.Anything, mock.Anything).Return(&types.CaptureResult{
		Outcome:         types.CaptureSucceeded,
		PaymentIntentID: "pi_1",
	}, nil)
	ledger.On("Record", mock.Anything, mock.Anything).
		Return(false, types.NewAppError(types.ErrCodeInternalDB, "insert failed", nil))

	outcome, err := o.HandleInvoiceCreated(context.Background(), invoiceCreatedEvent(t, openInvoiceObject()))
	require.Error(t, err)
	assert.Equal(t, types.EventOutcomeFailed, outcome)

	subs.AssertNotCalled(t, "ApplyCaptureSuccess", mock.Anything, mock.Anything, mock.Anything)
	notifier.AssertNotCalled(t, "PaymentSucceeded", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleInvoiceCreated_DuplicateLedgerRowAfterCapture(t *testing.T) {
	o, subs, ledger, capture, notifier := setupOrchestrator(t)
	sub := activeSubscription()

	subs.On("GetByStripeID", mock.Anything, "sub_1").Return(sub, nil)
	ledger.On("Exists", mock.Anything, "in_1").Return(false, nil)
	capture.On("Capture", mock.Anything, mock.Anything).Return(&types.CaptureResult{
		Outcome:         types.CaptureSucceeded,
		PaymentIntentID: "pi_1",
	}, nil)
	ledger.On("Record", mock.Anything, mock.Anything).Return(false, nil)
	subs.On("ApplyCaptureSuccess", mock.Anything, "sub_1", mock.Anything).Return(nil)
	notifier.On("PaymentSucceeded", mock.Anything, sub, "in_1", int64(1999), "usd").Return(nil)

	outcome, err := o.HandleInvoiceCreated(context.Background(), invoiceCreatedEvent(t, openInvoiceObject()))
	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeProcessed, outcome)
}

func TestHandleInvoiceCreated_ApplySuccessFails(t *testing.T) {
	o, subs, ledger, capture, notifier := setupOrchestrator(t)

	subs.On("GetByStripeID", mock.Anything, "sub_1").Return(activeSubscription(), nil)
	ledger.On("Exists", mock.Anything, "in_1").Return(false, nil)
	capture.On("Capture", mock.Anything, mock.Anything).Return(&types.CaptureResult{
		Outcome:         types.CaptureSucceeded,
		PaymentIntentID: "pi_1",
	}, nil)
	ledger.On("Record", mock.Anything, mock.Anything).Return(true, nil)
	subs.On("ApplyCaptureSuccess", mock.Anything, "sub_1", mock.Anything).
		Return(types.NewAppError(types.ErrCodeInternalDB, "update failed", nil))

	outcome, err := o.HandleInvoiceCreated(context.Background(), invoiceCreatedEvent(t, openInvoiceObject()))
	require.Error(t, err)
	assert.Equal(t, types.EventOutcomeFailed, outcome)

	notifier.AssertNotCalled(t, "PaymentSucceeded", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleInvoiceCreated_NotifierErrorDoesNotChangeOutcome(t *testing.T) {
	o, subs, ledger, capture, notifier := setupOrchestrator(t)
	sub := activeSubscription()

	subs.On("GetByStripeID", mock.Anything, "sub_1").Return(sub, nil)
	ledger.On("Exists", mock.Anything, "in_1").Return(false, nil)
	capture.On("Capture", mock.Anything, mock.Anything).Return(&types.CaptureResult{
		Outcome:         types.CaptureSucceeded,
		PaymentIntentID: "pi_1",
	}, nil)
	ledger.On("Record", mock.Anything, mock.Anything).Return(true, nil)
	subs.On("ApplyCaptureSuccess", mock.Anything, "sub_1", mock.Anything).Return(nil)
	notifier.On("PaymentSucceeded", mock.Anything, sub, "in_1", int64(1999), "usd").
		Return(errors.New("smtp down"))

	outcome, err := o.HandleInvoiceCreated(context.Background(), invoiceCreatedEvent(t, openInvoiceObject()))
	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeProcessed, outcome)
}

// --- HandleInvoiceCreated: skip conditions ---

func TestHandleInvoiceCreated_SkipsAlreadyPaid(t *testing.T) {
	o, subs, _, capture, _ := setupOrchestrator(t)

	obj := openInvoiceObject()
	obj["paid"] = true

	outcome, err := o.HandleInvoiceCreated(context.Background(), invoiceCreatedEvent(t, obj))
	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeSkipped, outcome)

	subs.AssertNotCalled(t, "GetByStripeID", mock.Anything, mock.Anything)
	capture.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything)
}

func TestHandleInvoiceCreated_SkipsPaidStatus(t *testing.T) {
	o, _, _, capture, _ := setupOrchestrator(t)

	obj := openInvoiceObject()
	obj["status"] = "paid"

	outcome, err := o.HandleInvoiceCreated(context.Background(), invoiceCreatedEvent(t, obj))
	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeSkipped, outcome)
	capture.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything)
}

func TestHandleInvoiceCreated_SkipsWithoutSubscriptionRef(t *testing.T) {
	o, _, _, capture, _ := setupOrchestrator(t)

	obj := openInvoiceObject()
	delete(obj, "subscription")

	outcome, err := o.HandleInvoiceCreated(context.Background(), invoiceCreatedEvent(t, obj))
	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeSkipped, outcome)
	capture.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything)
}

func TestHandleInvoiceCreated_SkipsZeroAmountDue(t *testing.T) {
	o, _, _, capture, _ := setupOrchestrator(t)

	obj := openInvoiceObject()
	obj["amount_due"] = 0

	outcome, err := o.HandleInvoiceCreated(context.Background(), invoiceCreatedEvent(t, obj))
	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeSkipped, outcome)
	capture.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything)
}

func TestHandleInvoiceCreated_CapturesUnpaidInitialInvoice(t *testing.T) {
	o, subs, ledger, capture, notifier := setupOrchestrator(t)
	sub := activeSubscription()

	// Checkout normally settles the first invoice, in which case paid=true
	// filters it out. An unpaid initial invoice is a real balance and gets
	// captured like any renewal.
	obj := openInvoiceObject()
	obj["billing_reason"] = types.BillingReasonSubscriptionCreate

	subs.On("GetByStripeID", mock.Anything, "sub_1").Return(sub, nil)
	ledger.On("Exists", mock.Anything, "in_1").Return(false, nil)
	capture.On("Capture", mock.Anything, mock.Anything).Return(&types.CaptureResult{
		Outcome:         types.CaptureSucceeded,
		PaymentIntentID: "pi_1",
	}, nil)
	ledger.On("Record", mock.Anything, mock.Anything).Return(true, nil)
	subs.On("ApplyCaptureSuccess", mock.Anything, "sub_1", mock.Anything).Return(nil)
	notifier.On("PaymentSucceeded", mock.Anything, sub, "in_1", int64(1999), "usd").Return(nil)

	outcome, err := o.HandleInvoiceCreated(context.Background(), invoiceCreatedEvent(t, obj))
	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeProcessed, outcome)
	capture.AssertExpectations(t)
}

func TestHandleInvoiceCreated_SkipsUnknownSubscription(t *testing.T) {
	o, subs, _, capture, _ := setupOrchestrator(t)

	subs.On("GetByStripeID", mock.Anything, "sub_1").
		Return(nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil))

	outcome, err := o.HandleInvoiceCreated(context.Background(), invoiceCreatedEvent(t, openInvoiceObject()))
	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeSkipped, outcome)
	capture.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything)
}

func TestHandleInvoiceCreated_SubscriptionLookupFails(t *testing.T) {
	o, subs, _, capture, _ := setupOrchestrator(t)

	subs.On("GetByStripeID", mock.Anything, "sub_1").
		Return(nil, types.NewAppError(types.ErrCodeInternalDB, "connection reset", nil))

	outcome, err := o.HandleInvoiceCreated(context.Background(), invoiceCreatedEvent(t, openInvoiceObject()))
	require.Error(t, err)
	assert.Equal(t, types.EventOutcomeFailed, outcome)
	capture.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything)
}

func TestHandleInvoiceCreated_SkipsCanceledSubscription(t *testing.T) {
	o, subs, ledger, capture, _ := setupOrchestrator(t)

	sub := activeSubscription()
	sub.Status = types.SubStatusCanceled

	subs.On("GetByStripeID", mock.Anything, "sub_1").Return(sub, nil)

	outcome, err := o.HandleInvoiceCreated(context.Background(), invoiceCreatedEvent(t, openInvoiceObject()))
	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeSkipped, outcome)

	// The canceled check wins before the ledger is even consulted.
	ledger.AssertNotCalled(t, "Exists", mock.Anything, mock.Anything)
	capture.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything)
}

func TestHandleInvoiceCreated_SkipsAlreadyCapturedInvoice(t *testing.T) {
	o, subs, ledger, capture, _ := setupOrchestrator(t)

	subs.On("GetByStripeID", mock.Anything, "sub_1").Return(activeSubscription(), nil)
	ledger.On("Exists", mock.Anything, "in_1").Return(true, nil)

	outcome, err := o.HandleInvoiceCreated(context.Background(), invoiceCreatedEvent(t, openInvoiceObject()))
	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeSkipped, outcome)
	capture.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything)
}

func TestHandleInvoiceCreated_LedgerLookupFails(t *testing.T) {
	o, subs, ledger, capture, _ := setupOrchestrator(t)

	subs.On("GetByStripeID", mock.Anything, "sub_1").Return(activeSubscription(), nil)
	ledger.On("Exists", mock.Anything, "in_1").
		Return(false, types.NewAppError(types.ErrCodeInternalDB, "connection reset", nil))

	outcome, err := o.HandleInvoiceCreated(context.Background(), invoiceCreatedEvent(t, openInvoiceObject()))
	require.Error(t, err)
	assert.Equal(t, types.EventOutcomeFailed, outcome)
	capture.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything)
}

// memoryLedger is a thread-safe in-memory CaptureLedger for concurrency
// tests, mirroring the unique-index semantics of the SQL implementation.
type memoryLedger struct {
	mu   sync.Mutex
	rows map[string]*types.CaptureRecord
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{rows: make(map[string]*types.CaptureRecord)}
}

func (l *memoryLedger) Exists(ctx context.Context, invoiceID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.rows[invoiceID]
	return ok, nil
}

func (l *memoryLedger) Record(ctx context.Context, rec *types.CaptureRecord) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.rows[rec.InvoiceID]; ok {
		return false, nil
	}
	l.rows[rec.InvoiceID] = rec
	return true, nil
}

type countingCaptureClient struct {
	calls atomic.Int32
}

func (c *countingCaptureClient) Capture(ctx context.Context, req types.CaptureRequest) (*types.CaptureResult, error) {
	c.calls.Add(1)
	return &types.CaptureResult{
		Outcome:         types.CaptureSucceeded,
		PaymentIntentID: "pi_1",
	}, nil
}

func TestHandleInvoiceCreated_ConcurrentDuplicateChargesOnce(t *testing.T) {
	subs := new(mockSubStore)
	ledger := newMemoryLedger()
	capture := &countingCaptureClient{}
	notifier := new(mockNotifier)

	sub := activeSubscription()
	subs.On("GetByStripeID", mock.Anything, "sub_1").Return(sub, nil)
	subs.On("ApplyCaptureSuccess", mock.Anything, "sub_1", mock.Anything).Return(nil)
	notifier.On("PaymentSucceeded", mock.Anything, sub, "in_1", int64(1999), "usd").Return(nil)

	o := NewOrchestrator(subs, ledger, capture, notifier, NewLockSet(), testLogger())
	evt := invoiceCreatedEvent(t, openInvoiceObject())

	outcomes := make(chan types.EventOutcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := o.HandleInvoiceCreated(context.Background(), evt)
			assert.NoError(t, err)
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	// Exactly one delivery charges the card; the laggard sees the ledger
	// row and skips.
	assert.Equal(t, int32(1), capture.calls.Load())
	subs.AssertNumberOfCalls(t, "ApplyCaptureSuccess", 1)

	var processed, skipped int
	for outcome := range outcomes {
		switch outcome {
		case types.EventOutcomeProcessed:
			processed++
		case types.EventOutcomeSkipped:
			skipped++
		}
	}
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, skipped)
}

func TestHandleInvoiceCreated_MalformedInvoiceObject(t *testing.T) {
	o, _, _, _, _ := setupOrchestrator(t)

	evt, err := ParseEvent([]byte(`{
		"id": "evt_inv",
		"type": "invoice.created",
		"data": {"object": 42}
	}`))
	require.NoError(t, err)

	outcome, err := o.HandleInvoiceCreated(context.Background(), evt)
	require.Error(t, err)
	assert.Equal(t, types.EventOutcomeFailed, outcome)
}
