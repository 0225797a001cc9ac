package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storefront/internal/models"
	"storefront/internal/payment"
	"storefront/internal/store"
	"storefront/internal/util"
)

// OrderStore is the durable order side: orders, status history, recovery
// records and the fulfillment checklist seed.
type OrderStore interface {
	CreateOrderTx(ctx context.Context, order *models.Order, items []models.OrderItem) ([]int64, error)
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error)
	UpdateOrderStatusCAS(ctx context.Context, orderID int64, from, to models.OrderStatus, tracking, carrier, actor, note string) (bool, error)
	GetStatusHistory(ctx context.Context, orderID int64) ([]models.StatusHistory, error)
	UpdateAdminNotes(ctx context.Context, orderID int64, notes string) error
	CreateFulfillmentTasks(ctx context.Context, orderID int64, taskTypes []string) error
	CreatePaymentRecovery(ctx context.Context, recovery *models.PaymentRecovery) error
	GetPaymentRecovery(ctx context.Context, providerRef string) (*models.PaymentRecovery, error)
	ResolvePaymentRecovery(ctx context.Context, providerRef, state string, orderID *int64, detail string) error
	CountOpenRecoveries(ctx context.Context) (int, error)
}

// EventPublisher announces durable order facts to the broker. Publish
// failure is logged, never propagated: events must not roll back orders.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
}

// TransitionRequest carries the actor-supplied data for a status change.
type TransitionRequest struct {
	TrackingNumber string
	Carrier        string
	Actor          string
	Note           string
}

// OrderLifecycleManager creates orders from completed checkout sessions
// and drives them through the status machine. Order creation is atomic:
// charge confirmed, order row, item snapshots, inventory movements and
// the first history entry land together or not at all, except that a
// confirmed charge whose persist fails is parked as a recovery record
// instead of being lost.
type OrderLifecycleManager struct {
	store      OrderStore
	checkout   *CheckoutController
	ledger     *InventoryLedger
	gateways   *payment.Registry
	events     EventPublisher // may be nil
	taxRateBps int
	payTimeout time.Duration
	logger     *zap.Logger
}

func NewOrderLifecycleManager(orderStore OrderStore, checkout *CheckoutController, ledger *InventoryLedger, gateways *payment.Registry, events EventPublisher, taxRateBps int, payTimeout time.Duration) *OrderLifecycleManager {
	return &OrderLifecycleManager{
		store:      orderStore,
		checkout:   checkout,
		ledger:     ledger,
		gateways:   gateways,
		events:     events,
		taxRateBps: taxRateBps,
		payTimeout: payTimeout,
		logger:     util.GetLogger(),
	}
}

// Tax computes the tax in minor units for a subtotal, at the configured
// basis-point rate, rounded half up.
func (m *OrderLifecycleManager) Tax(subtotal int64) int64 {
	return (subtotal*int64(m.taxRateBps) + 5000) / 10000
}

// Totals recomputes the amounts for a session server-side. Client-sent
// totals are never trusted.
func (m *OrderLifecycleManager) Totals(session *models.CheckoutSession) (subtotal, shipping, tax, total int64) {
	subtotal = cartSubtotal(session.Items)
	if session.ShippingMethod != nil {
		shipping = session.ShippingMethod.Price
	}
	tax = m.Tax(subtotal)
	return subtotal, shipping, tax, subtotal + shipping + tax
}

// CreateOrder completes a checkout session: confirms the charge with the
// provider, persists the order atomically, decrements inventory and
// destroys the session. A declined charge returns the gateway's typed
// error with no order and no inventory change. An unknown provider
// outcome or a failed persist after a confirmed charge parks a recovery
// record and returns ErrPaymentOutcomeUnknown / ErrOrderRecoverable.
func (m *OrderLifecycleManager) CreateOrder(ctx context.Context, sessionID, customerNotes string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderLifecycleManager.CreateOrder")
	defer span.End()

	session, err := m.checkout.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := readyForOrder(session); err != nil {
		return nil, err
	}

	subtotal, shipping, tax, total := m.Totals(session)

	method, err := methodFromSelection(session.PaymentSelection)
	if err != nil {
		return nil, err
	}
	gateway, err := m.gateways.ForMethod(method)
	if err != nil {
		return nil, err
	}

	intentRef := session.PaymentIntentRef
	if intentRef == "" {
		intentRef, err = gateway.CreateIntent(ctx, total, session.Currency, session.ID)
		if err != nil {
			util.OrdersFailedTotal.WithLabelValues("intent").Inc()
			return nil, err
		}
		if err := m.checkout.FreezeCart(ctx, session, intentRef); err != nil {
			return nil, fmt.Errorf("freeze cart: %w", err)
		}
	}

	util.PaymentAttemptsTotal.WithLabelValues(gateway.Name()).Inc()
	confirmCtx, cancel := context.WithTimeout(ctx, m.payTimeout)
	defer cancel()

	start := time.Now()
	outcome, err := gateway.Confirm(confirmCtx, intentRef, method)
	util.PaymentLatency.WithLabelValues(gateway.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		if payment.IsUnknownOutcome(err) {
			// The charge may have gone through. Park it; reconciliation
			// decides. The shopper must not be charged twice by a retry.
			util.PaymentOutcomesTotal.WithLabelValues(gateway.Name(), "unknown").Inc()
			if recErr := m.parkRecovery(ctx, gateway.Name(), intentRef, session, total, err.Error()); recErr != nil {
				m.logger.Error("failed to park payment recovery",
					zap.String("provider_ref", intentRef), zap.Error(recErr))
			}
			return nil, fmt.Errorf("%w (ref %s)", ErrPaymentOutcomeUnknown, intentRef)
		}
		util.PaymentOutcomesTotal.WithLabelValues(gateway.Name(), "declined").Inc()
		util.OrdersFailedTotal.WithLabelValues("payment").Inc()
		return nil, err
	}
	util.PaymentOutcomesTotal.WithLabelValues(gateway.Name(), "succeeded").Inc()

	order, items := m.buildOrder(session, gateway.Name(), outcome, subtotal, shipping, tax, total, customerNotes)

	oversold, err := m.store.CreateOrderTx(ctx, order, items)
	if err != nil {
		// Charge confirmed but order not durable. Never drop the money.
		util.OrdersFailedTotal.WithLabelValues("persist").Inc()
		if recErr := m.parkRecovery(ctx, gateway.Name(), outcome.Ref, session, total, "order persist failed: "+err.Error()); recErr != nil {
			m.logger.Error("failed to park payment recovery after persist failure",
				zap.String("provider_ref", outcome.Ref), zap.Error(recErr))
		}
		return nil, fmt.Errorf("%w (ref %s): %v", ErrOrderRecoverable, outcome.Ref, err)
	}

	for _, productID := range oversold {
		util.OversellsFlagged.Inc()
		m.logger.Warn("oversell clamped at zero, product flagged for restock",
			zap.Int64("product_id", productID),
			zap.String("order_number", order.OrderNumber))
	}
	for _, item := range items {
		m.ledger.MirrorSale(ctx, item.ProductID, item.Quantity)
	}

	if err := m.checkout.Destroy(ctx, session.ID); err != nil {
		m.logger.Warn("session cleanup failed", zap.String("session_id", session.ID), zap.Error(err))
	}

	util.OrdersCreatedTotal.Inc()
	m.publishOrderCreated(ctx, order, items)

	m.logger.Info("order created",
		zap.String("order_number", order.OrderNumber),
		zap.Int64("total", order.Total),
		zap.String("provider", gateway.Name()))
	return order, nil
}

// Transition moves an order to a new status. Self-transitions are no-op
// successes. The write is compare-and-set against the status the caller
// observed; a conflict is retried once against the fresh state before
// failing with ErrConcurrentModification.
func (m *OrderLifecycleManager) Transition(ctx context.Context, orderID int64, to models.OrderStatus, req TransitionRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderLifecycleManager.Transition")
	defer span.End()

	if !to.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}

	order, err := m.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		if order.Status == to {
			return order, nil
		}
		if !order.Status.CanTransitionTo(to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, to)
		}

		tracking, carrier := req.TrackingNumber, req.Carrier
		if to == models.OrderStatusShipped {
			if tracking == "" {
				tracking = order.TrackingNumber
			}
			if carrier == "" {
				carrier = order.Carrier
			}
			if tracking == "" || carrier == "" {
				return nil, ErrMissingFulfillmentData
			}
		}

		ok, err := m.store.UpdateOrderStatusCAS(ctx, orderID, order.Status, to, tracking, carrier, req.Actor, req.Note)
		if err != nil {
			return nil, fmt.Errorf("update status: %w", err)
		}
		if ok {
			break
		}

		util.OrderTransitionConflicts.Inc()
		if attempt >= 1 {
			return nil, ErrConcurrentModification
		}
		order, err = m.store.GetOrderByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
	}

	from := order.Status
	order, err = m.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch to {
	case models.OrderStatusProcessing:
		if err := m.store.CreateFulfillmentTasks(ctx, orderID, models.DefaultTaskTypes); err != nil {
			m.logger.Error("seeding fulfillment tasks failed",
				zap.Int64("order_id", orderID), zap.Error(err))
		}
	case models.OrderStatusCancelled:
		m.restock(ctx, order, req.Actor)
	}

	util.OrderTransitionsTotal.WithLabelValues(string(to)).Inc()
	m.publishStatusChanged(ctx, order, from, to, req.Actor)
	return order, nil
}

// Reconcile resolves a parked payment. If the provider confirms the
// charge settled, the order is created now from the saved session and the
// recovery completes; if the provider reports it never happened, the
// recovery is abandoned and nil is returned; if the provider still cannot
// say, the recovery stays open and ErrPaymentOutcomeUnknown comes back.
func (m *OrderLifecycleManager) Reconcile(ctx context.Context, providerRef string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderLifecycleManager.Reconcile")
	defer span.End()

	recovery, err := m.store.GetPaymentRecovery(ctx, providerRef)
	if err != nil {
		return nil, err
	}
	if recovery == nil {
		return nil, ErrRecoveryNotFound
	}

	switch recovery.State {
	case models.RecoveryStateCompleted:
		if recovery.OrderID == nil {
			return nil, fmt.Errorf("recovery %s completed without order id", providerRef)
		}
		return m.store.GetOrderByID(ctx, *recovery.OrderID)
	case models.RecoveryStateAbandoned:
		return nil, nil
	}

	gateway, err := m.gateways.ByName(recovery.Provider)
	if err != nil {
		return nil, err
	}

	outcome, err := gateway.Capture(ctx, providerRef)
	if err != nil {
		if payment.IsDeclined(err) {
			// The charge never settled. Safe to walk away.
			util.ReconciliationsTotal.WithLabelValues("abandoned").Inc()
			if resErr := m.store.ResolvePaymentRecovery(ctx, providerRef, models.RecoveryStateAbandoned, nil, err.Error()); resErr != nil {
				return nil, resErr
			}
			_ = m.checkout.Destroy(ctx, recovery.SessionID)
			return nil, nil
		}
		util.ReconciliationsTotal.WithLabelValues("unknown").Inc()
		return nil, fmt.Errorf("%w (ref %s)", ErrPaymentOutcomeUnknown, providerRef)
	}

	session, err := m.checkout.Get(ctx, recovery.SessionID)
	if err != nil {
		detail := "charge settled but session unavailable: " + err.Error()
		if resErr := m.store.ResolvePaymentRecovery(ctx, providerRef, models.RecoveryStateOrderPending, nil, detail); resErr != nil {
			return nil, resErr
		}
		util.ReconciliationsTotal.WithLabelValues("blocked").Inc()
		return nil, fmt.Errorf("%w: %s", ErrPaymentOutcomeUnknown, detail)
	}

	subtotal, shipping, tax, total := m.Totals(session)
	order, items := m.buildOrder(session, recovery.Provider, outcome, subtotal, shipping, tax, total, "")

	if _, err := m.store.CreateOrderTx(ctx, order, items); err != nil {
		return nil, fmt.Errorf("reconcile persist: %w", err)
	}
	for _, item := range items {
		m.ledger.MirrorSale(ctx, item.ProductID, item.Quantity)
	}
	if err := m.store.ResolvePaymentRecovery(ctx, providerRef, models.RecoveryStateCompleted, &order.ID, "recovered"); err != nil {
		return nil, err
	}
	_ = m.checkout.Destroy(ctx, session.ID)

	util.ReconciliationsTotal.WithLabelValues("completed").Inc()
	util.OrdersCreatedTotal.Inc()
	m.publishOrderCreated(ctx, order, items)

	m.logger.Info("order recovered from parked payment",
		zap.String("order_number", order.OrderNumber),
		zap.String("provider_ref", providerRef))
	return order, nil
}

// AbandonRecovery marks a parked payment as never having settled, on
// provider authority (a failed-payment event).
func (m *OrderLifecycleManager) AbandonRecovery(ctx context.Context, providerRef, reason string) error {
	recovery, err := m.store.GetPaymentRecovery(ctx, providerRef)
	if err != nil {
		return err
	}
	if recovery == nil || recovery.State != models.RecoveryStateOrderPending {
		return nil
	}
	if err := m.store.ResolvePaymentRecovery(ctx, providerRef, models.RecoveryStateAbandoned, nil, reason); err != nil {
		return err
	}
	_ = m.checkout.Destroy(ctx, recovery.SessionID)
	util.ReconciliationsTotal.WithLabelValues("abandoned").Inc()
	return nil
}

// GetOrder loads an order with its item snapshots.
func (m *OrderLifecycleManager) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error) {
	order, err := m.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	items, err := m.store.GetOrderItems(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return order, items, nil
}

// GetOrderByNumber loads an order with its item snapshots by the
// human-readable order number.
func (m *OrderLifecycleManager) GetOrderByNumber(ctx context.Context, number string) (*models.Order, []models.OrderItem, error) {
	order, err := m.store.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, nil, err
	}
	items, err := m.store.GetOrderItems(ctx, order.ID)
	if err != nil {
		return nil, nil, err
	}
	return order, items, nil
}

// ListUserOrders returns a customer's orders, newest first.
func (m *OrderLifecycleManager) ListUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	return m.store.GetOrdersByUserID(ctx, userID)
}

// SetAdminNotes updates the staff-facing note on an order.
func (m *OrderLifecycleManager) SetAdminNotes(ctx context.Context, orderID int64, notes string) error {
	if _, err := m.store.GetOrderByID(ctx, orderID); err != nil {
		return err
	}
	return m.store.UpdateAdminNotes(ctx, orderID, notes)
}

// OpenRecoveries counts parked payments still awaiting resolution.
func (m *OrderLifecycleManager) OpenRecoveries(ctx context.Context) (int, error) {
	return m.store.CountOpenRecoveries(ctx)
}

// History returns the immutable transition log for an order.
func (m *OrderLifecycleManager) History(ctx context.Context, orderID int64) ([]models.StatusHistory, error) {
	return m.store.GetStatusHistory(ctx, orderID)
}

func (m *OrderLifecycleManager) parkRecovery(ctx context.Context, provider, providerRef string, session *models.CheckoutSession, amount int64, detail string) error {
	err := m.store.CreatePaymentRecovery(ctx, &models.PaymentRecovery{
		Provider:    provider,
		ProviderRef: providerRef,
		SessionID:   session.ID,
		Amount:      amount,
		Currency:    session.Currency,
		State:       models.RecoveryStateOrderPending,
		Detail:      detail,
	})
	if err == nil {
		if open, cntErr := m.store.CountOpenRecoveries(ctx); cntErr == nil {
			util.RecoveriesOpen.Set(float64(open))
		}
	}
	return err
}

func (m *OrderLifecycleManager) buildOrder(session *models.CheckoutSession, provider string, outcome *payment.Outcome, subtotal, shipping, tax, total int64, customerNotes string) (*models.Order, []models.OrderItem) {
	paymentStatus := models.PaymentStatusPaid
	if provider == "cash_on_delivery" {
		paymentStatus = models.PaymentStatusPending
	}

	order := &models.Order{
		OrderNumber:    generateOrderNumber(),
		Status:         models.OrderStatusPending,
		PaymentMethod:  provider,
		PaymentStatus:  paymentStatus,
		ProviderTxID:   outcome.TxID,
		Subtotal:       subtotal,
		ShippingCost:   shipping,
		Tax:            tax,
		Total:          total,
		Currency:       session.Currency,
		CustomerNotes:  customerNotes,
		MarketingOptIn: session.MarketingConsent,
	}
	if session.UserID != 0 {
		uid := session.UserID
		order.UserID = &uid
	} else {
		email := session.GuestEmail
		order.GuestEmail = &email
	}
	if session.ShippingAddress != nil {
		order.ShippingAddress = *session.ShippingAddress
	}
	if session.BillingAddress != nil {
		order.BillingAddress = *session.BillingAddress
	} else if session.ShippingAddress != nil {
		order.BillingAddress = *session.ShippingAddress
	}
	if session.ShippingMethod != nil {
		order.ShippingMethod = *session.ShippingMethod
	}

	items := make([]models.OrderItem, len(session.Items))
	for i, line := range session.Items {
		items[i] = models.OrderItem{
			ProductID: line.ProductID,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			LineTotal: line.UnitPrice * int64(line.Quantity),
		}
	}
	return order, items
}

// restock returns inventory for a cancelled order. The shared order
// reference makes this idempotent against an earlier un-pick return.
func (m *OrderLifecycleManager) restock(ctx context.Context, order *models.Order, actor string) {
	if m.ledger == nil {
		return
	}
	items, err := m.store.GetOrderItems(ctx, order.ID)
	if err != nil {
		m.logger.Error("restock: loading items failed", zap.Int64("order_id", order.ID), zap.Error(err))
		return
	}
	for _, item := range items {
		if _, err := m.ledger.Increment(ctx, item.ProductID, item.Quantity,
			models.MovementReasonReturn, store.OrderReference(order.ID), actor); err != nil {
			m.logger.Error("restock movement failed",
				zap.Int64("order_id", order.ID),
				zap.Int64("product_id", item.ProductID),
				zap.Error(err))
		}
	}
}

func (m *OrderLifecycleManager) publishOrderCreated(ctx context.Context, order *models.Order, items []models.OrderItem) {
	if m.events == nil {
		return
	}
	event := &models.OrderCreatedEvent{
		BaseEvent:   newBaseEvent(models.EventTypeOrderCreated),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Total:       order.Total,
		Currency:    order.Currency,
	}
	if order.UserID != nil {
		event.UserID = *order.UserID
	}
	if order.GuestEmail != nil {
		event.GuestEmail = *order.GuestEmail
	}
	for _, item := range items {
		event.Items = append(event.Items, models.OrderItemData{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	if err := m.events.PublishOrderCreated(ctx, event); err != nil {
		m.logger.Error("publish order created failed",
			zap.String("order_number", order.OrderNumber), zap.Error(err))
	}
}

func (m *OrderLifecycleManager) publishStatusChanged(ctx context.Context, order *models.Order, from, to models.OrderStatus, actor string) {
	if m.events == nil {
		return
	}
	event := &models.OrderStatusChangedEvent{
		BaseEvent:   newBaseEvent(models.EventTypeOrderStatusChanged),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		FromStatus:  from,
		ToStatus:    to,
		Actor:       actor,
	}
	if err := m.events.PublishOrderStatusChanged(ctx, event); err != nil {
		m.logger.Error("publish status changed failed",
			zap.String("order_number", order.OrderNumber), zap.Error(err))
	}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

func readyForOrder(session *models.CheckoutSession) error {
	var fields []FieldError
	if session.ShippingAddress == nil {
		fields = append(fields, FieldError{Field: "shipping_address", Code: "required", Message: "shipping address missing"})
	}
	if session.ShippingMethod == nil {
		fields = append(fields, FieldError{Field: "shipping_method", Code: "required", Message: "shipping method missing"})
	}
	if session.PaymentSelection.Type == "" {
		fields = append(fields, FieldError{Field: "payment_selection", Code: "required", Message: "payment method missing"})
	}
	if !session.TermsAccepted || !session.PrivacyAccepted {
		fields = append(fields, FieldError{Field: "consent", Code: "required", Message: "terms and privacy must be accepted"})
	}
	if session.UserID == 0 && session.GuestEmail == "" {
		fields = append(fields, FieldError{Field: "guest_email", Code: "required", Message: "guest checkout needs an email"})
	}
	if len(fields) > 0 {
		return &ValidationError{Step: "review", Fields: fields}
	}
	return nil
}

func methodFromSelection(sel models.PaymentSelection) (payment.Method, error) {
	switch sel.Type {
	case "card":
		return payment.Card{Holder: sel.CardHolder, Token: sel.CardToken}, nil
	case "paypal":
		return payment.PayPal{OrderID: sel.PayPalOrderID}, nil
	case "cash_on_delivery":
		return payment.CashOnDelivery{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", payment.ErrUnsupportedMethod, sel.Type)
	}
}

// generateOrderNumber yields ORD-YYYYMMDD-XXXXXX. Uniqueness is enforced
// by the orders table; the suffix makes collisions vanishingly rare.
func generateOrderNumber() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))[:6]
	return fmt.Sprintf("ORD-%s-%s", time.Now().UTC().Format("20060102"), suffix)
}
