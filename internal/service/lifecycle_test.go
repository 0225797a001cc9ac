package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/internal/models"
	"storefront/internal/payment"
	"storefront/internal/util"
)

type lifecycleFixture struct {
	store    *fakeStore
	sessions *MemorySessionStore
	checkout *CheckoutController
	stripe   *fakeGateway
	paypal   *fakeGateway
	events   *fakePublisher
	manager  *OrderLifecycleManager
}

func newLifecycleFixture() *lifecycleFixture {
	fake := newFakeStore()
	fake.stock[1] = 10
	sessions := NewMemorySessionStore()
	addresses := NewAddressValidator()
	resolver := NewShippingRateResolver(singleRateSource(), addresses)
	checkout := NewCheckoutController(sessions, addresses, resolver, 0, 2*time.Hour, "EUR")
	stripe := &fakeGateway{name: "stripe", intentRef: "pi_1"}
	paypal := &fakeGateway{name: "paypal", intentRef: "pp_1"}
	events := &fakePublisher{}
	ledger := NewInventoryLedger(fake, nil)
	manager := NewOrderLifecycleManager(fake, checkout, ledger,
		payment.NewRegistry(stripe, paypal), events, 2100, 5*time.Second)
	return &lifecycleFixture{
		store: fake, sessions: sessions, checkout: checkout,
		stripe: stripe, paypal: paypal, events: events, manager: manager,
	}
}

func (f *lifecycleFixture) readySession(t *testing.T) *models.CheckoutSession {
	t.Helper()
	session := &models.CheckoutSession{
		ID:              "cs_test",
		UserID:          7,
		Items:           testCart(),
		Subtotal:        2000,
		Currency:        "EUR",
		ShippingAddress: validAddress(),
		BillingAddress:  validAddress(),
		ShippingMethod:  &models.ShippingMethod{ID: "standard", Name: "Standard", Price: 599, EstimatedDays: 4},
		PaymentSelection: models.PaymentSelection{
			Type: "card", CardHolder: "Ana García", CardToken: "tok_visa",
		},
		Step:            models.StepReview,
		TermsAccepted:   true,
		PrivacyAccepted: true,
		ExpiresAt:       time.Now().Add(time.Hour),
	}
	require.NoError(t, f.sessions.SaveSession(context.Background(), session))
	return session
}

func TestTotals(t *testing.T) {
	f := newLifecycleFixture()
	session := f.readySession(t)

	subtotal, shipping, tax, total := f.manager.Totals(session)
	assert.Equal(t, int64(2000), subtotal)
	assert.Equal(t, int64(599), shipping)
	assert.Equal(t, int64(420), tax)
	assert.Equal(t, int64(3019), total)
}

func TestCreateOrderSuccess(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture()
	session := f.readySession(t)
	f.stripe.confirmOut = &payment.Outcome{Provider: "stripe", Ref: "pi_1", TxID: "ch_1", Status: "succeeded"}

	order, err := f.manager.CreateOrder(ctx, session.ID, "leave at the door")
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, models.PaymentStatusPaid, order.PaymentStatus)
	assert.Equal(t, int64(3019), order.Total)
	assert.Equal(t, "ch_1", order.ProviderTxID)
	assert.Equal(t, "leave at the door", order.CustomerNotes)
	require.NotNil(t, order.UserID)
	assert.Equal(t, int64(7), *order.UserID)
	assert.Nil(t, order.GuestEmail)
	assert.Regexp(t, `^ORD-\d{8}-[0-9A-F]{6}$`, order.OrderNumber)

	// inventory moved with the order
	assert.Equal(t, 8, f.store.stock[1])

	// session destroyed, event out
	_, err = f.checkout.Get(ctx, session.ID)
	assert.Error(t, err)
	require.Len(t, f.events.created, 1)
	assert.Equal(t, order.OrderNumber, f.events.created[0].OrderNumber)

	history, err := f.manager.History(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.OrderStatusPending, history[0].ToStatus)
}

func TestCreateOrderDeclinedLeavesNothing(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture()
	session := f.readySession(t)
	f.stripe.confirmErr = &payment.DeclinedError{Provider: "stripe", Ref: "pi_1", Reason: "insufficient funds"}

	_, err := f.manager.CreateOrder(ctx, session.ID, "")
	assert.True(t, payment.IsDeclined(err))

	assert.Empty(t, f.store.orders)
	assert.Equal(t, 10, f.store.stock[1])
	assert.Empty(t, f.store.recoveries)

	// session survives so the shopper can retry with another method
	_, err = f.checkout.Get(ctx, session.ID)
	assert.NoError(t, err)
}

func TestCreateOrderUnknownOutcomeParksRecovery(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture()
	session := f.readySession(t)
	f.stripe.confirmErr = &payment.UnknownOutcomeError{Provider: "stripe", Ref: "pi_1", Err: errors.New("timeout")}

	_, err := f.manager.CreateOrder(ctx, session.ID, "")
	assert.ErrorIs(t, err, ErrPaymentOutcomeUnknown)

	recovery := f.store.recoveries["pi_1"]
	require.NotNil(t, recovery)
	assert.Equal(t, models.RecoveryStateOrderPending, recovery.State)
	assert.Equal(t, "stripe", recovery.Provider)
	assert.Equal(t, session.ID, recovery.SessionID)
	assert.Equal(t, int64(3019), recovery.Amount)
	assert.Empty(t, f.store.orders)
}

func TestCreateOrderPersistFailureParksRecovery(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture()
	session := f.readySession(t)
	f.stripe.confirmOut = &payment.Outcome{Provider: "stripe", Ref: "pi_1", TxID: "ch_1", Status: "succeeded"}
	f.store.createOrderErr = errors.New("connection reset")

	_, err := f.manager.CreateOrder(ctx, session.ID, "")
	assert.ErrorIs(t, err, ErrOrderRecoverable)

	recovery := f.store.recoveries["pi_1"]
	require.NotNil(t, recovery)
	assert.Equal(t, models.RecoveryStateOrderPending, recovery.State)
}

func TestCreateOrderCashOnDelivery(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture()
	session := f.readySession(t)
	session.PaymentSelection = models.PaymentSelection{Type: "cash_on_delivery"}
	require.NoError(t, f.sessions.SaveSession(ctx, session))

	order, err := f.manager.CreateOrder(ctx, session.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "cash_on_delivery", order.PaymentMethod)
	assert.Equal(t, models.PaymentStatusPending, order.PaymentStatus)
	assert.Zero(t, f.stripe.confirmCalls)
}

func TestCreateOrderReusesFrozenIntent(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture()
	session := f.readySession(t)
	require.NoError(t, f.checkout.FreezeCart(ctx, session, "pi_existing"))

	f.stripe.intentRef = "pi_should_not_be_used"
	f.stripe.confirmErr = &payment.DeclinedError{Provider: "stripe", Ref: "pi_existing", Reason: "declined"}

	_, err := f.manager.CreateOrder(ctx, session.ID, "")
	assert.True(t, payment.IsDeclined(err))

	// a later retry still confirms the same intent
	f.stripe.confirmErr = nil
	f.stripe.confirmOut = &payment.Outcome{Provider: "stripe", Ref: "pi_existing", TxID: "ch_2", Status: "succeeded"}
	order, err := f.manager.CreateOrder(ctx, session.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "ch_2", order.ProviderTxID)
}

func TestCreateOrderIncompleteSession(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture()
	session := f.readySession(t)
	session.ShippingMethod = nil
	session.TermsAccepted = false
	require.NoError(t, f.sessions.SaveSession(ctx, session))

	_, err := f.manager.CreateOrder(ctx, session.ID, "")
	assert.True(t, IsValidation(err))
}

func (f *lifecycleFixture) createOrder(t *testing.T) *models.Order {
	t.Helper()
	session := f.readySession(t)
	f.stripe.confirmOut = &payment.Outcome{Provider: "stripe", Ref: "pi_1", TxID: "ch_1", Status: "succeeded"}
	order, err := f.manager.CreateOrder(context.Background(), session.ID, "")
	require.NoError(t, err)
	return order
}

func TestTransitionToProcessingSeedsTasks(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture()
	order := f.createOrder(t)

	updated, err := f.manager.Transition(ctx, order.ID, models.OrderStatusProcessing, TransitionRequest{Actor: "admin"})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusProcessing, updated.Status)

	tasks, err := f.store.GetFulfillmentTasks(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 3)

	require.Len(t, f.events.statusChanged, 1)
	assert.Equal(t, models.OrderStatusPending, f.events.statusChanged[0].FromStatus)
	assert.Equal(t, models.OrderStatusProcessing, f.events.statusChanged[0].ToStatus)
}

func TestTransitionSelfIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture()
	order := f.createOrder(t)

	updated, err := f.manager.Transition(ctx, order.ID, models.OrderStatusPending, TransitionRequest{Actor: "admin"})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, updated.Status)

	history, err := f.manager.History(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "no history entry for a self-transition")
	assert.Empty(t, f.events.statusChanged)
}

func TestTransitionInvalid(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture()
	order := f.createOrder(t)

	_, err := f.manager.Transition(ctx, order.ID, models.OrderStatusDelivered, TransitionRequest{Actor: "admin"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.manager.Transition(ctx, order.ID, "teleported", TransitionRequest{Actor: "admin"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionShippedNeedsTracking(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture()
	order := f.createOrder(t)

	_, err := f.manager.Transition(ctx, order.ID, models.OrderStatusProcessing, TransitionRequest{Actor: "admin"})
	require.NoError(t, err)

	_, err = f.manager.Transition(ctx, order.ID, models.OrderStatusShipped, TransitionRequest{Actor: "admin"})
	assert.ErrorIs(t, err, ErrMissingFulfillmentData)

	shipped, err := f.manager.Transition(ctx, order.ID, models.OrderStatusShipped, TransitionRequest{
		Actor: "admin", TrackingNumber: "TRK123", Carrier: "dhl",
	})
	require.NoError(t, err)
	assert.Equal(t, "TRK123", shipped.TrackingNumber)
	require.NotNil(t, shipped.ShippedAt)
	firstShippedAt := *shipped.ShippedAt

	delivered, err := f.manager.Transition(ctx, order.ID, models.OrderStatusDelivered, TransitionRequest{Actor: "admin"})
	require.NoError(t, err)
	require.NotNil(t, delivered.DeliveredAt)
	assert.Equal(t, firstShippedAt, *delivered.ShippedAt, "shipped_at stamped once")
}

func TestTransitionConflictRetriesOnce(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture()
	order := f.createOrder(t)

	f.store.casFailures = 1
	updated, err := f.manager.Transition(ctx, order.ID, models.OrderStatusProcessing, TransitionRequest{Actor: "admin"})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusProcessing, updated.Status)

	f.store.casFailures = 2
	_, err = f.manager.Transition(ctx, order.ID, models.OrderStatusCancelled, TransitionRequest{Actor: "admin"})
	assert.ErrorIs(t, err, ErrConcurrentModification)
}

func TestTransitionCancelledRestocks(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture()
	order := f.createOrder(t)
	require.Equal(t, 8, f.store.stock[1])

	_, err := f.manager.Transition(ctx, order.ID, models.OrderStatusCancelled, TransitionRequest{Actor: "admin", Note: "customer request"})
	require.NoError(t, err)
	assert.Equal(t, 10, f.store.stock[1])
}

func TestReconcileSettledChargeCreatesOrder(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture()
	session := f.readySession(t)
	f.stripe.confirmErr = &payment.UnknownOutcomeError{Provider: "stripe", Ref: "pi_1", Err: errors.New("timeout")}

	_, err := f.manager.CreateOrder(ctx, session.ID, "")
	require.ErrorIs(t, err, ErrPaymentOutcomeUnknown)

	f.stripe.captureOut = &payment.Outcome{Provider: "stripe", Ref: "pi_1", TxID: "ch_9", Status: "succeeded"}
	order, err := f.manager.Reconcile(ctx, "pi_1")
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, int64(3019), order.Total)
	assert.Equal(t, "ch_9", order.ProviderTxID)
	assert.Equal(t, 8, f.store.stock[1])

	recovery := f.store.recoveries["pi_1"]
	assert.Equal(t, models.RecoveryStateCompleted, recovery.State)
	require.NotNil(t, recovery.OrderID)
	assert.Equal(t, order.ID, *recovery.OrderID)

	// reconciling again just returns the existing order
	again, err := f.manager.Reconcile(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, order.ID, again.ID)
	assert.Len(t, f.store.orders, 1)
}

func TestReconcileNeverSettledAbandons(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture()
	session := f.readySession(t)
	f.stripe.confirmErr = &payment.UnknownOutcomeError{Provider: "stripe", Ref: "pi_1", Err: errors.New("timeout")}

	_, err := f.manager.CreateOrder(ctx, session.ID, "")
	require.ErrorIs(t, err, ErrPaymentOutcomeUnknown)

	f.stripe.captureErr = &payment.DeclinedError{Provider: "stripe", Ref: "pi_1", Reason: "never captured"}
	order, err := f.manager.Reconcile(ctx, "pi_1")
	require.NoError(t, err)
	assert.Nil(t, order)

	assert.Equal(t, models.RecoveryStateAbandoned, f.store.recoveries["pi_1"].State)
	assert.Empty(t, f.store.orders)
	assert.Equal(t, 10, f.store.stock[1])
}

func TestReconcileStillUnknownStaysOpen(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture()
	session := f.readySession(t)
	f.stripe.confirmErr = &payment.UnknownOutcomeError{Provider: "stripe", Ref: "pi_1", Err: errors.New("timeout")}

	_, err := f.manager.CreateOrder(ctx, session.ID, "")
	require.ErrorIs(t, err, ErrPaymentOutcomeUnknown)

	f.stripe.captureErr = &payment.UnknownOutcomeError{Provider: "stripe", Ref: "pi_1", Err: errors.New("still down")}
	_, err = f.manager.Reconcile(ctx, "pi_1")
	assert.ErrorIs(t, err, ErrPaymentOutcomeUnknown)
	assert.Equal(t, models.RecoveryStateOrderPending, f.store.recoveries["pi_1"].State)
}

func TestReconcileUnknownRef(t *testing.T) {
	f := newLifecycleFixture()
	_, err := f.manager.Reconcile(context.Background(), "pi_missing")
	assert.ErrorIs(t, err, ErrRecoveryNotFound)
}

func TestAbandonRecovery(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture()
	session := f.readySession(t)
	f.stripe.confirmErr = &payment.UnknownOutcomeError{Provider: "stripe", Ref: "pi_1", Err: errors.New("timeout")}

	_, err := f.manager.CreateOrder(ctx, session.ID, "")
	require.ErrorIs(t, err, ErrPaymentOutcomeUnknown)

	require.NoError(t, f.manager.AbandonRecovery(ctx, "pi_1", "provider webhook: failed"))
	assert.Equal(t, models.RecoveryStateAbandoned, f.store.recoveries["pi_1"].State)

	// abandoning a resolved recovery is a no-op
	require.NoError(t, f.manager.AbandonRecovery(ctx, "pi_1", "again"))
}

func TestOrderLookupByNumberAndUserList(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture()
	session := f.readySession(t)
	f.stripe.confirmOut = &payment.Outcome{Provider: "stripe", Ref: "pi_1", TxID: "ch_1", Status: "succeeded"}

	created, err := f.manager.CreateOrder(ctx, session.ID, "")
	require.NoError(t, err)

	byNumber, items, err := f.manager.GetOrderByNumber(ctx, created.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, created.ID, byNumber.ID)
	require.Len(t, items, 1)

	orders, err := f.manager.ListUserOrders(ctx, 7)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, created.OrderNumber, orders[0].OrderNumber)
}

// succeedingStripeAPI drives the real Stripe adapter through a charge
// that always settles.
type succeedingStripeAPI struct{}

func (succeedingStripeAPI) CreatePaymentIntent(_ context.Context, amount int64, currency, _ string) (*payment.StripeIntent, error) {
	return &payment.StripeIntent{ID: "pi_real", Status: "requires_confirmation", Amount: amount, Currency: currency}, nil
}

func (succeedingStripeAPI) ConfirmPaymentIntent(_ context.Context, intentID, _ string) (*payment.StripeIntent, error) {
	return &payment.StripeIntent{ID: intentID, Status: "succeeded", LatestCharge: "ch_real"}, nil
}

func (succeedingStripeAPI) GetPaymentIntent(_ context.Context, intentID string) (*payment.StripeIntent, error) {
	return &payment.StripeIntent{ID: intentID, Status: "succeeded", LatestCharge: "ch_real"}, nil
}

func TestChargeMetricsCountedOncePerAttempt(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture()
	session := f.readySession(t)

	// swap in the real Stripe adapter so both layers are in play
	stripe := payment.NewStripeGateway(succeedingStripeAPI{}, time.Second)
	f.manager = NewOrderLifecycleManager(f.store, f.checkout, NewInventoryLedger(f.store, nil),
		payment.NewRegistry(stripe, f.paypal), f.events, 2100, 5*time.Second)

	attemptsBefore := testutil.ToFloat64(util.PaymentAttemptsTotal.WithLabelValues("stripe"))
	succeededBefore := testutil.ToFloat64(util.PaymentOutcomesTotal.WithLabelValues("stripe", "succeeded"))

	_, err := f.manager.CreateOrder(ctx, session.ID, "")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(util.PaymentAttemptsTotal.WithLabelValues("stripe"))-attemptsBefore)
	assert.Equal(t, 1.0, testutil.ToFloat64(util.PaymentOutcomesTotal.WithLabelValues("stripe", "succeeded"))-succeededBefore)
}

func TestCreateOrderMirrorsStockCache(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture()
	session := f.readySession(t)
	f.stripe.confirmOut = &payment.Outcome{Provider: "stripe", Ref: "pi_1", TxID: "ch_1", Status: "succeeded"}

	cache := newFakeStockCache()
	cache.values[1] = 10
	f.manager = NewOrderLifecycleManager(f.store, f.checkout, NewInventoryLedger(f.store, cache),
		payment.NewRegistry(f.stripe, f.paypal), f.events, 2100, 5*time.Second)

	_, err := f.manager.CreateOrder(ctx, session.ID, "")
	require.NoError(t, err)

	assert.Equal(t, 8, cache.values[1], "cache mirrors the sale written by order creation")
	assert.Equal(t, 1, cache.decrements)
}
