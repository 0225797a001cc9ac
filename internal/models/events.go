package models

import "time"

// Event types
const (
	EventTypeOrderCreated       = "ORDER_CREATED"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypePaymentConfirmed   = "PAYMENT_CONFIRMED"
	EventTypePaymentFailed      = "PAYMENT_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent is published for the notification sender once an order
// is durable. Delivery failure never rolls back the order.
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	UserID      int64           `json:"user_id,omitempty"`
	GuestEmail  string          `json:"guest_email,omitempty"`
	Total       int64           `json:"total"`
	Currency    string          `json:"currency"`
	Items       []OrderItemData `json:"items"`
}

// OrderStatusChangedEvent is published after every status transition.
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID     int64       `json:"order_id"`
	OrderNumber string      `json:"order_number"`
	FromStatus  OrderStatus `json:"from_status"`
	ToStatus    OrderStatus `json:"to_status"`
	Actor       string      `json:"actor"`
}

// PaymentConfirmedEvent arrives from the payment provider side (webhook
// relay) when a charge the engine lost track of has actually settled.
type PaymentConfirmedEvent struct {
	BaseEvent
	ProviderRef string `json:"provider_ref"`
	TxID        string `json:"tx_id"`
	Amount      int64  `json:"amount"`
}

// PaymentFailedEvent arrives when the provider reports a charge never
// completed.
type PaymentFailedEvent struct {
	BaseEvent
	ProviderRef string `json:"provider_ref"`
	Reason      string `json:"reason"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}
