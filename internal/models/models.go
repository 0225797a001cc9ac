package models

import "time"

// Address is a normalized shipping or billing address.
type Address struct {
	FirstName  string `db:"first_name" json:"first_name"`
	LastName   string `db:"last_name" json:"last_name"`
	Company    string `db:"company" json:"company,omitempty"`
	Street     string `db:"street" json:"street"`
	City       string `db:"city" json:"city"`
	PostalCode string `db:"postal_code" json:"postal_code"`
	Province   string `db:"province" json:"province,omitempty"`
	Country    string `db:"country" json:"country"`
	Phone      string `db:"phone" json:"phone,omitempty"`
}

// CartItem is a read-only snapshot line supplied by the cart service.
// UnitPrice is in minor currency units.
type CartItem struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// ShippingMethod is one option returned by the rate source.
// Price is in minor currency units.
type ShippingMethod struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Price         int64  `json:"price"`
	EstimatedDays int    `json:"estimated_days"`
}

// CheckoutStep identifies one step of the checkout flow.
type CheckoutStep string

const (
	StepCart         CheckoutStep = "cart"
	StepShipping     CheckoutStep = "shipping"
	StepPayment      CheckoutStep = "payment"
	StepReview       CheckoutStep = "review"
	StepConfirmation CheckoutStep = "confirmation"
)

// CheckoutSteps lists the steps in flow order.
var CheckoutSteps = []CheckoutStep{StepCart, StepShipping, StepPayment, StepReview, StepConfirmation}

// StepIndex returns the position of a step in the flow, or -1.
func StepIndex(step CheckoutStep) int {
	for i, s := range CheckoutSteps {
		if s == step {
			return i
		}
	}
	return -1
}

// CheckoutSession is the ephemeral multi-step state held while a shopper
// completes a purchase. It lives in the session store, never in Postgres.
type CheckoutSession struct {
	ID               string           `json:"id"`
	UserID           int64            `json:"user_id,omitempty"`
	GuestEmail       string           `json:"guest_email,omitempty"`
	Items            []CartItem       `json:"items"`
	CartSignature    string           `json:"cart_signature"`
	Subtotal         int64            `json:"subtotal"`
	Currency         string           `json:"currency"`
	ShippingAddress  *Address         `json:"shipping_address,omitempty"`
	BillingAddress   *Address         `json:"billing_address,omitempty"`
	ShippingMethod   *ShippingMethod  `json:"shipping_method,omitempty"`
	ShippingDegraded bool             `json:"shipping_degraded,omitempty"`
	PaymentSelection PaymentSelection `json:"payment_selection"`
	Step             CheckoutStep     `json:"step"`
	TermsAccepted    bool             `json:"terms_accepted"`
	PrivacyAccepted  bool             `json:"privacy_accepted"`
	MarketingConsent bool             `json:"marketing_consent"`
	PaymentIntentRef string           `json:"payment_intent_ref,omitempty"`
	CartFrozen       bool             `json:"cart_frozen"`
	CreatedAt        time.Time        `json:"created_at"`
	ExpiresAt        time.Time        `json:"expires_at"`
}

// PaymentSelection is the client-facing payment method descriptor held on
// the session. The gateway-side tagged union lives in internal/payment.
type PaymentSelection struct {
	Type          string `json:"type,omitempty"` // card, paypal, cash_on_delivery
	CardHolder    string `json:"card_holder,omitempty"`
	CardToken     string `json:"card_token,omitempty"`
	PayPalOrderID string `json:"paypal_order_id,omitempty"`
}

// Order is the durable record of a purchase. All amounts in minor units.
// Exactly one of UserID / GuestEmail identifies the owner.
type Order struct {
	ID              int64          `db:"id" json:"id"`
	OrderNumber     string         `db:"order_number" json:"order_number"`
	UserID          *int64         `db:"user_id" json:"user_id,omitempty"`
	GuestEmail      *string        `db:"guest_email" json:"guest_email,omitempty"`
	Status          OrderStatus    `db:"status" json:"status"`
	PaymentMethod   string         `db:"payment_method" json:"payment_method"`
	PaymentStatus   PaymentStatus  `db:"payment_status" json:"payment_status"`
	ProviderTxID    string         `db:"provider_tx_id" json:"provider_tx_id,omitempty"`
	Subtotal        int64          `db:"subtotal" json:"subtotal"`
	ShippingCost    int64          `db:"shipping_cost" json:"shipping_cost"`
	Tax             int64          `db:"tax" json:"tax"`
	Total           int64          `db:"total" json:"total"`
	Currency        string         `db:"currency" json:"currency"`
	ShippingAddress Address        `db:"-" json:"shipping_address"`
	BillingAddress  Address        `db:"-" json:"billing_address"`
	ShippingMethod  ShippingMethod `db:"-" json:"shipping_method"`
	CustomerNotes   string         `db:"customer_notes" json:"customer_notes,omitempty"`
	AdminNotes      string         `db:"admin_notes" json:"admin_notes,omitempty"`
	TrackingNumber  string         `db:"tracking_number" json:"tracking_number,omitempty"`
	Carrier         string         `db:"carrier" json:"carrier,omitempty"`
	MarketingOptIn  bool           `db:"marketing_opt_in" json:"marketing_opt_in"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
	ShippedAt       *time.Time     `db:"shipped_at" json:"shipped_at,omitempty"`
	DeliveredAt     *time.Time     `db:"delivered_at" json:"delivered_at,omitempty"`
}

// OrderItem is an immutable snapshot of one purchased line. Later catalog
// edits never alter it.
type OrderItem struct {
	ID        int64  `db:"id" json:"id"`
	OrderID   int64  `db:"order_id" json:"order_id"`
	ProductID int64  `db:"product_id" json:"product_id"`
	Name      string `db:"name" json:"name"`
	Quantity  int    `db:"quantity" json:"quantity"`
	UnitPrice int64  `db:"unit_price" json:"unit_price"`
	LineTotal int64  `db:"line_total" json:"line_total"`
}

// Movement reasons.
const (
	MovementReasonSale       = "sale"
	MovementReasonReturn     = "return"
	MovementReasonAdjustment = "adjustment"
	MovementReasonInitial    = "initial"
)

// InventoryMovement is one append-only ledger entry. QuantityDelta is
// signed; Balance is the running total after the entry.
type InventoryMovement struct {
	ID            int64     `db:"id" json:"id"`
	ProductID     int64     `db:"product_id" json:"product_id"`
	QuantityDelta int       `db:"quantity_delta" json:"quantity_delta"`
	Balance       int       `db:"balance" json:"balance"`
	Reason        string    `db:"reason" json:"reason"`
	Reference     string    `db:"reference" json:"reference"`
	Actor         string    `db:"actor" json:"actor"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Fulfillment task types.
const (
	TaskTypePicking  = "picking"
	TaskTypePacking  = "packing"
	TaskTypeLabeling = "labeling"
)

// DefaultTaskTypes is the checklist seeded when an order enters processing.
var DefaultTaskTypes = []string{TaskTypePicking, TaskTypePacking, TaskTypeLabeling}

// FulfillmentTask is one warehouse action tracked against an order.
type FulfillmentTask struct {
	ID          int64      `db:"id" json:"id"`
	OrderID     int64      `db:"order_id" json:"order_id"`
	TaskType    string     `db:"task_type" json:"task_type"`
	Completed   bool       `db:"completed" json:"completed"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CompletedBy string     `db:"completed_by" json:"completed_by,omitempty"`
}

// StatusHistory is one immutable transition record. Appended only.
type StatusHistory struct {
	ID         int64       `db:"id" json:"id"`
	OrderID    int64       `db:"order_id" json:"order_id"`
	FromStatus OrderStatus `db:"from_status" json:"from_status"`
	ToStatus   OrderStatus `db:"to_status" json:"to_status"`
	Actor      string      `db:"actor" json:"actor"`
	Note       string      `db:"note" json:"note,omitempty"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
}

// Recovery states for payments whose order persist did not complete.
const (
	RecoveryStateOrderPending = "payment_succeeded_order_pending"
	RecoveryStateCompleted    = "completed"
	RecoveryStateAbandoned    = "abandoned"
)

// PaymentRecovery records a captured (or possibly captured) payment whose
// order is not yet durable. The charge must never be dropped.
type PaymentRecovery struct {
	ID          int64     `db:"id" json:"id"`
	Provider    string    `db:"provider" json:"provider"`
	ProviderRef string    `db:"provider_ref" json:"provider_ref"`
	SessionID   string    `db:"session_id" json:"session_id"`
	Amount      int64     `db:"amount" json:"amount"`
	Currency    string    `db:"currency" json:"currency"`
	State       string    `db:"state" json:"state"`
	OrderID     *int64    `db:"order_id" json:"order_id,omitempty"`
	Detail      string    `db:"detail" json:"detail,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
