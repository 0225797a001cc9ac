package payment

// Method is the payment method union handed to a gateway. The set is
// sealed: Card, PayPal and CashOnDelivery are the only variants, and the
// gateway registry switches over them exhaustively.
type Method interface {
	Kind() string
	sealed()
}

// Card pays through the card provider. Token is the client-side capture
// reference; raw card data never reaches the server.
type Card struct {
	Holder string
	Token  string
}

func (Card) Kind() string { return "card" }
func (Card) sealed()      {}

// PayPal pays through a provider-side order created client-side.
type PayPal struct {
	OrderID string
}

func (PayPal) Kind() string { return "paypal" }
func (PayPal) sealed()      {}

// CashOnDelivery settles at the door. No provider call is made.
type CashOnDelivery struct{}

func (CashOnDelivery) Kind() string { return "cash_on_delivery" }
func (CashOnDelivery) sealed()      {}
