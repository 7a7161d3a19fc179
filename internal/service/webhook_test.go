package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"stripe-webhook-reconciler/internal/client"
	"stripe-webhook-reconciler/internal/config"
	"stripe-webhook-reconciler/internal/dto"
	"stripe-webhook-reconciler/internal/model"
	"stripe-webhook-reconciler/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const testWebhookSecret = "whsec_reconciler_test"

type fakeStripeClient struct {
	mu              sync.Mutex
	subscriptions   map[string]*model.ProcessorSubscription
	customerEmails  map[string]string
	updatedMetadata map[string]map[string]string
	err             error
}

func newFakeStripeClient() *fakeStripeClient {
	return &fakeStripeClient{
		subscriptions:   map[string]*model.ProcessorSubscription{},
		customerEmails:  map[string]string{},
		updatedMetadata: map[string]map[string]string{},
	}
}

func (f *fakeStripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*model.ProcessorSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subscriptions[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", subscriptionID)
	}
	return sub, nil
}

func (f *fakeStripeClient) UpdateSubscriptionMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.updatedMetadata[subscriptionID] = metadata
	return nil
}

func (f *fakeStripeClient) GetCustomerEmail(ctx context.Context, customerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	email, ok := f.customerEmails[customerID]
	if !ok {
		return "", fmt.Errorf("no such customer: %s", customerID)
	}
	return email, nil
}

// failingOrderRepo fails line item inserts for one product.
type failingOrderRepo struct {
	repository.OrderRepository
	failProductID string
}

func (r *failingOrderRepo) CreateOrderItem(ctx context.Context, item *model.OrderItem) error {
	if item.ProductID == r.failProductID {
		return errors.New("injected order item failure")
	}
	return r.OrderRepository.CreateOrderItem(ctx, item)
}

type failingPaymentRepo struct {
	repository.PaymentRepository
}

func (failingPaymentRepo) Upsert(ctx context.Context, payment *model.Payment) error {
	return errors.New("store unavailable")
}

type harness struct {
	t             *testing.T
	db            *gorm.DB
	stripe        *fakeStripeClient
	svc           WebhookService
	events        repository.WebhookEventRepository
	users         repository.UserRepository
	subscriptions repository.SubscriptionRepository
	payments      repository.PaymentRepository
	donations     repository.DonationRepository
	orders        repository.OrderRepository
	products      repository.ProductRepository
	inventory     repository.InventoryRepository
}

type harnessOption func(h *harness)

func withOrderRepo(wrap func(repository.OrderRepository) repository.OrderRepository) harnessOption {
	return func(h *harness) { h.orders = wrap(h.orders) }
}

func withPaymentRepo(repo repository.PaymentRepository) harnessOption {
	return func(h *harness) { h.payments = repo }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	db, err := client.OpenDB("sqlite://" + filepath.Join(t.TempDir(), "reconciler.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	h := &harness{
		t:             t,
		db:            db,
		stripe:        newFakeStripeClient(),
		events:        repository.NewWebhookEventRepository(db),
		users:         repository.NewUserRepository(db),
		subscriptions: repository.NewSubscriptionRepository(db),
		payments:      repository.NewPaymentRepository(db),
		donations:     repository.NewDonationRepository(db),
		orders:        repository.NewOrderRepository(db),
		products:      repository.NewProductRepository(db),
		inventory:     repository.NewInventoryRepository(db),
	}
	for _, opt := range opts {
		opt(h)
	}

	verifier := client.NewWebhookVerifier(&config.Stripe{
		WebhookSecret:    testWebhookSecret,
		WebhookTolerance: 5 * time.Minute,
	})
	h.svc = NewWebhookService(
		zaptest.NewLogger(t),
		verifier,
		h.stripe,
		h.events,
		h.users,
		h.subscriptions,
		h.payments,
		h.donations,
		h.orders,
		h.products,
		h.inventory,
	)
	return h
}

func eventBody(eventID string, eventType model.EventType, object string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"object":"event","type":%q,"created":1700000000,"livemode":false,"data":{"object":%s}}`,
		eventID, eventType, object,
	))
}

func signBody(body []byte) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	}).Header
}

func (h *harness) deliver(body []byte) (*dto.WebhookResult, error) {
	return h.svc.HandleWebhook(context.Background(), signBody(body), body)
}

func (h *harness) mustDeliver(body []byte) *dto.WebhookResult {
	h.t.Helper()
	result, err := h.deliver(body)
	require.NoError(h.t, err)
	require.NotNil(h.t, result)
	return result
}

func (h *harness) countRows(table interface{}) int64 {
	h.t.Helper()
	var count int64
	require.NoError(h.t, h.db.Model(table).Count(&count).Error)
	return count
}

func TestHandleWebhookMissingSignature(t *testing.T) {
	h := newHarness(t)
	body := eventBody("evt_1", model.EventPaymentIntentSuccess, `{"id":"pi_1","amount":100,"currency":"usd"}`)

	_, err := h.svc.HandleWebhook(context.Background(), "", body)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingSignature)
	assert.True(t, IsClientError(err))
	assert.Equal(t, int64(0), h.countRows(&model.WebhookEvent{}))
}

func TestHandleWebhookTamperedBody(t *testing.T) {
	h := newHarness(t)
	original := eventBody("evt_1", model.EventPaymentIntentSuccess, `{"id":"pi_1","amount":100,"currency":"usd"}`)
	tampered := eventBody("evt_1", model.EventPaymentIntentSuccess, `{"id":"pi_1","amount":100000,"currency":"usd"}`)

	_, err := h.svc.HandleWebhook(context.Background(), signBody(original), tampered)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.True(t, IsClientError(err))

	assert.Equal(t, int64(0), h.countRows(&model.WebhookEvent{}))
	assert.Equal(t, int64(0), h.countRows(&model.Payment{}))
}

func TestHandleWebhookUnknownType(t *testing.T) {
	h := newHarness(t)

	result := h.mustDeliver(eventBody("evt_unknown", "customer.created", `{"id":"cus_1"}`))
	assert.Equal(t, "Unhandled event type: customer.created", result.Message)

	stored, err := h.events.Get(context.Background(), "evt_unknown")
	require.NoError(t, err)
	assert.Equal(t, "customer.created", stored.EventType)
	assert.Equal(t, "customer", stored.Type)
	assert.NotNil(t, stored.ProcessedAt)
	assert.Empty(t, stored.ProcessingError)
}

func TestHandleWebhookMalformedPayload(t *testing.T) {
	h := newHarness(t)

	_, err := h.deliver(eventBody("evt_bad", model.EventPaymentIntentSuccess, `{"id":"pi_1","amount":"lots"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedPayload)
	assert.True(t, IsClientError(err))

	stored, err := h.events.Get(context.Background(), "evt_bad")
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ProcessingError)
	assert.Equal(t, int64(0), h.countRows(&model.Payment{}))
}

const subscriptionObject = `{
	"id":"sub_1","object":"subscription","customer":"cus_1","status":"active","currency":"usd",
	"cancel_at_period_end":false,"start_date":1700000000,"metadata":%s,
	"items":{"data":[{"id":"si_1",
		"price":{"id":"price_gold","unit_amount":1500,"recurring":{"interval":"month"}},
		"plan":{"id":"price_gold","amount":1500,"interval":"month"},
		"current_period_start":1700000000,"current_period_end":1702592000}]}
}`

func TestSubscriptionCreatedIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	body := eventBody("evt_sub_created", model.EventSubscriptionCreated, fmt.Sprintf(subscriptionObject, `{"user_id":"user-1"}`))

	result := h.mustDeliver(body)
	assert.Equal(t, "Subscription created successfully", result.Message)
	first, err := h.subscriptions.GetByStripeID(ctx, "sub_1")
	require.NoError(t, err)

	h.mustDeliver(body)
	second, err := h.subscriptions.GetByStripeID(ctx, "sub_1")
	require.NoError(t, err)

	assert.Equal(t, int64(1), h.countRows(&model.Subscription{}))
	assert.Equal(t, first.ID, second.ID)
	require.NotNil(t, second.UserID)
	assert.Equal(t, "user-1", *second.UserID)
	assert.Equal(t, model.SubscriptionActive, second.Status)
	assert.Equal(t, "price_gold", second.PriceID)
	assert.Equal(t, "month", second.BillingInterval)
	assert.Equal(t, int64(1500), second.Amount)
	assert.Equal(t, "cus_1", second.CustomerID)
	require.NotNil(t, second.CurrentPeriodEnd)
	assert.Equal(t, int64(1702592000), second.CurrentPeriodEnd.Unix())
	assert.Equal(t, first.CurrentPeriodStart.Unix(), second.CurrentPeriodStart.Unix())
	assert.Equal(t, int64(1), h.countRows(&model.WebhookEvent{}))
}

func TestSubscriptionCreatedResolvesUserByCustomerEmail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.users.Create(ctx, &model.User{Email: "member@club.example"}))
	userID, err := h.users.FindIDByEmail(ctx, "member@club.example")
	require.NoError(t, err)
	h.stripe.customerEmails["cus_1"] = "member@club.example"

	h.mustDeliver(eventBody("evt_1", model.EventSubscriptionCreated, fmt.Sprintf(subscriptionObject, `{}`)))

	stored, err := h.subscriptions.GetByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, stored.UserID)
	assert.Equal(t, userID, *stored.UserID)
}

func TestSubscriptionCreatedWithoutUser(t *testing.T) {
	h := newHarness(t)
	h.stripe.customerEmails["cus_1"] = "stranger@example.com"

	_, err := h.deliver(eventBody("evt_1", model.EventSubscriptionCreated, fmt.Sprintf(subscriptionObject, `{}`)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.True(t, IsClientError(err))

	var webhookErr *WebhookError
	require.ErrorAs(t, err, &webhookErr)
	assert.Equal(t, "Unable to find associated user", webhookErr.Message)

	assert.Equal(t, int64(0), h.countRows(&model.Subscription{}))
	assert.Equal(t, int64(1), h.countRows(&model.WebhookEvent{}))
}

func TestSubscriptionUpdatedBeforeCreated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	updated := `{"id":"sub_1","object":"subscription","status":"past_due","cancel_at_period_end":true,"metadata":{"user_id":"user-1"}}`
	result := h.mustDeliver(eventBody("evt_update_early", model.EventSubscriptionUpdated, updated))
	assert.Equal(t, "Subscription not found, update ignored", result.Message)
	assert.Equal(t, int64(0), h.countRows(&model.Subscription{}))

	h.mustDeliver(eventBody("evt_create", model.EventSubscriptionCreated, fmt.Sprintf(subscriptionObject, `{"user_id":"user-1"}`)))
	result = h.mustDeliver(eventBody("evt_update", model.EventSubscriptionUpdated, updated))
	assert.Equal(t, "Subscription updated successfully", result.Message)

	stored, err := h.subscriptions.GetByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionPastDue, stored.Status)
	assert.True(t, stored.CancelAtPeriodEnd)
	require.NotNil(t, stored.UserID)
	assert.Equal(t, "user-1", *stored.UserID)
}

func TestSubscriptionDeletedClearsUserReference(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	subRef := "sub_1"
	require.NoError(t, h.users.Create(ctx, &model.User{Email: "x@y.com", Subscription: &subRef}))
	require.NoError(t, h.subscriptions.Upsert(ctx, &model.Subscription{StripeID: "sub_1", Status: model.SubscriptionActive}))

	result := h.mustDeliver(eventBody("evt_deleted", model.EventSubscriptionDeleted,
		`{"id":"sub_1","object":"subscription","status":"canceled","metadata":{"email":"x@y.com"}}`))
	assert.Equal(t, "Subscription deleted successfully", result.Message)

	stored, err := h.subscriptions.GetByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionCanceled, stored.Status)

	user, err := h.users.GetByEmail(ctx, "x@y.com")
	require.NoError(t, err)
	assert.Nil(t, user.Subscription)
}

func TestCheckoutCompletedWithoutSubscription(t *testing.T) {
	h := newHarness(t)

	result := h.mustDeliver(eventBody("evt_checkout", model.EventCheckoutCompleted,
		`{"id":"cs_1","object":"checkout.session","mode":"payment","subscription":null,"metadata":{}}`))
	assert.Equal(t, "No subscription in checkout session", result.Message)
	assert.Empty(t, h.stripe.updatedMetadata)
}

func TestCheckoutCompletedAppliesAuthoritativeState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.subscriptions.Upsert(ctx, &model.Subscription{StripeID: "sub_1", Status: model.SubscriptionIncomplete}))

	periodEnd := time.Unix(1702592000, 0).UTC()
	h.stripe.subscriptions["sub_1"] = &model.ProcessorSubscription{
		ID:               "sub_1",
		Status:           "active",
		CurrentPeriodEnd: &periodEnd,
	}

	result := h.mustDeliver(eventBody("evt_checkout", model.EventCheckoutCompleted,
		`{"id":"cs_1","object":"checkout.session","mode":"subscription","subscription":{"id":"sub_1","object":"subscription"},"metadata":{"userId":"user-7","tier":"gold"}}`))
	assert.Equal(t, "Checkout session completed successfully", result.Message)
	assert.Equal(t, "sub_1", result.SubscriptionID)

	assert.Equal(t, map[string]string{"userId": "user-7", "tier": "gold", "checkoutSessionId": "cs_1"}, h.stripe.updatedMetadata["sub_1"])

	stored, err := h.subscriptions.GetByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionActive, stored.Status)
	require.NotNil(t, stored.UserID)
	assert.Equal(t, "user-7", *stored.UserID)
	assert.Equal(t, "cs_1", stored.Metadata["checkoutSessionId"])
	require.NotNil(t, stored.CurrentPeriodEnd)
	assert.Equal(t, periodEnd.Unix(), stored.CurrentPeriodEnd.Unix())
}

func TestCheckoutCompletedProcessorFailure(t *testing.T) {
	h := newHarness(t)
	h.stripe.err = errors.New("processor unavailable")

	_, err := h.deliver(eventBody("evt_checkout", model.EventCheckoutCompleted,
		`{"id":"cs_1","object":"checkout.session","subscription":"sub_1","metadata":{}}`))
	require.Error(t, err)
	assert.False(t, IsClientError(err))

	stored, err := h.events.Get(context.Background(), "evt_checkout")
	require.NoError(t, err)
	assert.Contains(t, stored.ProcessingError, "processor unavailable")
}

func TestInvoicePaidWithoutStoredSubscription(t *testing.T) {
	h := newHarness(t)

	result := h.mustDeliver(eventBody("evt_invoice", model.EventInvoicePaid,
		`{"id":"in_1","object":"invoice","subscription":"sub_missing","customer_email":"fan@example.com","amount_paid":2500,"currency":"usd"}`))
	assert.Equal(t, "Invoice payment succeeded", result.Message)

	stored, err := h.events.Get(context.Background(), "evt_invoice")
	require.NoError(t, err)
	assert.Equal(t, "in_1", stored.Annotation["invoiceId"])
	assert.Equal(t, "sub_missing", stored.Annotation["subscriptionId"])
	assert.Equal(t, "25", stored.Annotation["amountPaid"])
	assert.Equal(t, "succeeded", stored.Annotation["status"])
	assert.Equal(t, "fan@example.com", stored.Annotation["email"])
}

func TestInvoiceFailedMarksSubscriptionPastDue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.users.Create(ctx, &model.User{Email: "owner@club.example"}))
	userID, err := h.users.FindIDByEmail(ctx, "owner@club.example")
	require.NoError(t, err)
	require.NoError(t, h.subscriptions.Upsert(ctx, &model.Subscription{StripeID: "sub_1", UserID: &userID, Status: model.SubscriptionActive}))

	result := h.mustDeliver(eventBody("evt_invoice_failed", model.EventInvoicePaymentFailed,
		`{"id":"in_2","object":"invoice","parent":{"subscription_details":{"subscription":"sub_1"}},"customer_email":"billing@example.com","amount_due":1500,"currency":"usd"}`))
	assert.Equal(t, "Invoice payment failed", result.Message)

	stored, err := h.subscriptions.GetByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionPastDue, stored.Status)

	event, err := h.events.Get(ctx, "evt_invoice_failed")
	require.NoError(t, err)
	assert.Equal(t, "failed", event.Annotation["status"])
	assert.Equal(t, "15", event.Annotation["amountDue"])
	assert.Equal(t, "owner@club.example", event.Annotation["email"])
}

const donationObject = `{"id":"pi_1","object":"payment_intent","amount":5000,"currency":"usd","status":"succeeded",
	"metadata":{"payment_type":"donation","donor_name":"A. Bekele","is_anonymous":"false"}}`

func TestPaymentIntentSucceededDonation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result := h.mustDeliver(eventBody("evt_donation", model.EventPaymentIntentSuccess, donationObject))
	assert.Equal(t, "Payment intent processed successfully", result.Message)

	payment, err := h.payments.GetByPaymentIntentID(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, "50.00", payment.Amount.StringFixed(2))
	assert.Equal(t, "usd", payment.Currency)
	assert.Equal(t, model.PaymentSucceeded, payment.Status)

	donation, err := h.donations.GetByPaymentIntentID(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, "50.00", donation.Amount.StringFixed(2))
	assert.False(t, donation.IsAnonymous)
	assert.Equal(t, "A. Bekele", donation.DonorName)

	event, err := h.events.Get(ctx, "evt_donation")
	require.NoError(t, err)
	assert.Equal(t, "payment_intent.succeeded", event.EventType)
}

func TestPaymentIntentSucceededTwice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.mustDeliver(eventBody("evt_donation", model.EventPaymentIntentSuccess, donationObject))
	h.mustDeliver(eventBody("evt_donation_retry", model.EventPaymentIntentSuccess, donationObject))

	count, err := h.payments.Count(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, int64(1), h.countRows(&model.Donation{}))
	assert.Equal(t, int64(2), h.countRows(&model.WebhookEvent{}))
}

func TestPaymentIntentSucceededPaymentStoreFailure(t *testing.T) {
	h := newHarness(t, withPaymentRepo(failingPaymentRepo{}))

	_, err := h.deliver(eventBody("evt_donation", model.EventPaymentIntentSuccess, donationObject))
	require.Error(t, err)
	assert.False(t, IsClientError(err))

	var webhookErr *WebhookError
	require.ErrorAs(t, err, &webhookErr)
	assert.Equal(t, "Failed to process payment intent", webhookErr.Message)
	assert.Equal(t, int64(0), h.countRows(&model.Donation{}))
}

func purchaseObject(paymentIntentID, orderItems string) string {
	return fmt.Sprintf(`{"id":%q,"object":"payment_intent","amount":4500,"currency":"usd","status":"succeeded",
		"receipt_email":"buyer@example.com",
		"metadata":{"payment_type":"product_purchase","order_items":%q,"shipping_address":"{\"city\":\"Addis Ababa\"}"}}`,
		paymentIntentID, orderItems)
}

func TestProductPurchasePartialFailure(t *testing.T) {
	h := newHarness(t, withOrderRepo(func(repo repository.OrderRepository) repository.OrderRepository {
		return &failingOrderRepo{OrderRepository: repo, failProductID: "p2"}
	}))
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, h.products.Upsert(ctx, &model.Product{ID: id, Name: "Product " + id, Currency: "usd", InventoryCount: 5}))
	}

	items := `[{"product_id":"p1","quantity":1,"price":15,"name":"Scarf"},{"product_id":"p2","quantity":1,"price":15,"name":"Cap"},{"product_id":"p3","quantity":2,"price":"7.50","name":"Pin"}]`
	result := h.mustDeliver(eventBody("evt_purchase", model.EventPaymentIntentSuccess, purchaseObject("pi_order", items)))
	assert.Equal(t, "Payment intent processed successfully", result.Message)

	order, err := h.orders.FindByPaymentIntentID(ctx, "pi_order")
	require.NoError(t, err)
	assert.Equal(t, model.OrderPaid, order.Status)
	assert.Equal(t, "45.00", order.TotalAmount.StringFixed(2))
	assert.JSONEq(t, `{"city":"Addis Ababa"}`, string(order.ShippingAddress))

	require.Len(t, order.Items, 2)
	assert.Equal(t, "p1", order.Items[0].ProductID)
	assert.Equal(t, "p3", order.Items[1].ProductID)
	assert.Equal(t, "7.50", order.Items[1].UnitPrice.StringFixed(2))

	for id, want := range map[string]int32{"p1": 4, "p2": 4, "p3": 3} {
		count, err := h.inventory.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, count, id)
	}

	payment, err := h.payments.GetByPaymentIntentID(ctx, "pi_order")
	require.NoError(t, err)
	assert.Equal(t, "buyer@example.com", payment.Email)
}

func TestProductPurchaseRedeliveryDoesNotDecrementTwice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.products.Upsert(ctx, &model.Product{ID: "p1", Currency: "usd", InventoryCount: 5}))

	body := eventBody("evt_purchase", model.EventPaymentIntentSuccess, purchaseObject("pi_order", `[{"product_id":"p1","quantity":2}]`))
	h.mustDeliver(body)
	h.mustDeliver(body)

	count, err := h.inventory.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), count)
	assert.Equal(t, int64(1), h.countRows(&model.Order{}))
	assert.Equal(t, int64(1), h.countRows(&model.OrderItem{}))
}

func TestConcurrentPurchasesNeverOversell(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.products.Upsert(ctx, &model.Product{ID: "last-jersey", Currency: "usd", InventoryCount: 1}))

	items := `[{"product_id":"last-jersey","quantity":1,"price":45}]`
	bodies := [][]byte{
		eventBody("evt_a", model.EventPaymentIntentSuccess, purchaseObject("pi_a", items)),
		eventBody("evt_b", model.EventPaymentIntentSuccess, purchaseObject("pi_b", items)),
	}

	var wg sync.WaitGroup
	errs := make([]error, len(bodies))
	for i, body := range bodies {
		wg.Add(1)
		go func(i int, body []byte) {
			defer wg.Done()
			_, errs[i] = h.deliver(body)
		}(i, body)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}

	count, err := h.inventory.Get(ctx, "last-jersey")
	require.NoError(t, err)
	assert.Equal(t, int32(0), count)
	assert.Equal(t, int64(2), h.countRows(&model.Order{}))
}

func TestPaymentIntentFailedAfterSucceeded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.mustDeliver(eventBody("evt_ok", model.EventPaymentIntentSuccess,
		`{"id":"pi_9","object":"payment_intent","amount":1000,"currency":"usd","status":"succeeded","metadata":{}}`))
	result := h.mustDeliver(eventBody("evt_failed", model.EventPaymentIntentFailure,
		`{"id":"pi_9","object":"payment_intent","amount":1000,"currency":"usd","status":"requires_payment_method",
		"last_payment_error":{"message":"Your card was declined."},"metadata":{"user_id":"user-3"}}`))
	assert.Equal(t, "Failed payment intent recorded", result.Message)

	count, err := h.payments.Count(ctx, "pi_9")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	payment, err := h.payments.GetByPaymentIntentID(ctx, "pi_9")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, payment.Status)
	require.NotNil(t, payment.ErrorMessage)
	assert.Equal(t, "Your card was declined.", *payment.ErrorMessage)
	require.NotNil(t, payment.UserID)
	assert.Equal(t, "user-3", *payment.UserID)
}

func TestPaymentIntentFailedDefaultMessage(t *testing.T) {
	h := newHarness(t)

	h.mustDeliver(eventBody("evt_failed", model.EventPaymentIntentFailure,
		`{"id":"pi_10","object":"payment_intent","amount":1000,"currency":"usd","metadata":{}}`))

	payment, err := h.payments.GetByPaymentIntentID(context.Background(), "pi_10")
	require.NoError(t, err)
	require.NotNil(t, payment.ErrorMessage)
	assert.Equal(t, "Payment failed", *payment.ErrorMessage)
}

func TestPaymentIntentFailedKeepsResolvedIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.users.Create(ctx, &model.User{Email: "buyer@club.example"}))
	userID, err := h.users.FindIDByEmail(ctx, "buyer@club.example")
	require.NoError(t, err)
	h.stripe.customerEmails["cus_9"] = "buyer@club.example"

	h.mustDeliver(eventBody("evt_ok", model.EventPaymentIntentSuccess,
		`{"id":"pi_11","object":"payment_intent","amount":1000,"currency":"usd","customer":"cus_9","metadata":{}}`))
	h.mustDeliver(eventBody("evt_failed", model.EventPaymentIntentFailure,
		`{"id":"pi_11","object":"payment_intent","amount":1000,"currency":"usd","customer":"cus_9",
		"last_payment_error":{"message":"Insufficient funds"},"metadata":{}}`))

	payment, err := h.payments.GetByPaymentIntentID(ctx, "pi_11")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, payment.Status)
	assert.Equal(t, "buyer@club.example", payment.Email)
	require.NotNil(t, payment.UserID)
	assert.Equal(t, userID, *payment.UserID)
}

func TestCanceledSubscriptionStaysCanceled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created := eventBody("evt_create", model.EventSubscriptionCreated, fmt.Sprintf(subscriptionObject, `{"user_id":"user-1"}`))
	h.mustDeliver(created)
	h.mustDeliver(eventBody("evt_delete", model.EventSubscriptionDeleted,
		`{"id":"sub_1","object":"subscription","status":"canceled","metadata":{}}`))

	requireStatus := func(step string) {
		t.Helper()
		stored, err := h.subscriptions.GetByStripeID(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, model.SubscriptionCanceled, stored.Status, step)
	}
	requireStatus("after delete")

	result := h.mustDeliver(created)
	assert.Equal(t, "Subscription created successfully", result.Message)
	requireStatus("after redelivered create")

	result = h.mustDeliver(eventBody("evt_invoice_failed", model.EventInvoicePaymentFailed,
		`{"id":"in_3","object":"invoice","subscription":"sub_1","amount_due":1500,"currency":"usd"}`))
	assert.Equal(t, "Invoice payment failed", result.Message)
	requireStatus("after late invoice failure")

	result = h.mustDeliver(eventBody("evt_update_late", model.EventSubscriptionUpdated,
		`{"id":"sub_1","object":"subscription","status":"active","cancel_at_period_end":false,"metadata":{}}`))
	assert.Equal(t, "Subscription already canceled, update ignored", result.Message)
	requireStatus("after late update")

	assert.Equal(t, int64(1), h.countRows(&model.Subscription{}))
}
