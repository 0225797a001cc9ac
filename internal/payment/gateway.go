package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcome is the provider's answer for a finished charge.
type Outcome struct {
	Provider string
	Ref      string // provider-side intent or order id
	TxID     string
	Status   string
}

// Gateway creates and settles a provider-side transaction for an amount in
// minor units, independent of order state.
type Gateway interface {
	Name() string

	// CreateIntent opens a provider-side transaction for the
	// server-recomputed amount. reference ties the intent to a real
	// checkout session; an empty reference fails closed.
	CreateIntent(ctx context.Context, amount int64, currency, reference string) (string, error)

	// Confirm settles the transaction with the given method details.
	Confirm(ctx context.Context, intentRef string, method Method) (*Outcome, error)

	// Capture finalizes a previously confirmed/approved transaction.
	// Must be idempotent: re-capturing returns the recorded outcome.
	Capture(ctx context.Context, orderRef string) (*Outcome, error)
}

// Registry resolves the gateway for a method variant. This is the single
// exhaustive match point over the Method union.
type Registry struct {
	stripe Gateway
	paypal Gateway
	cod    Gateway
}

func NewRegistry(stripe, paypal Gateway) *Registry {
	return &Registry{stripe: stripe, paypal: paypal, cod: &codGateway{}}
}

// ForMethod returns the gateway responsible for the method.
func (r *Registry) ForMethod(method Method) (Gateway, error) {
	switch method.(type) {
	case Card:
		return r.stripe, nil
	case PayPal:
		return r.paypal, nil
	case CashOnDelivery:
		return r.cod, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedMethod, method)
	}
}

// ByName returns the gateway with the given provider name. Used by
// reconciliation, where only the recovery record's provider is known.
func (r *Registry) ByName(name string) (Gateway, error) {
	for _, g := range []Gateway{r.stripe, r.paypal, r.cod} {
		if g != nil && g.Name() == name {
			return g, nil
		}
	}
	return nil, fmt.Errorf("no gateway registered for provider %q", name)
}

// codGateway settles nothing: cash orders stay payment-pending until
// delivery. It still yields a reference so the order row has one.
type codGateway struct{}

func (g *codGateway) Name() string { return "cash_on_delivery" }

func (g *codGateway) CreateIntent(_ context.Context, _ int64, _, reference string) (string, error) {
	if reference == "" {
		return "", &InitError{Provider: g.Name(), Err: fmt.Errorf("missing session reference")}
	}
	return "cod_" + uuid.New().String(), nil
}

func (g *codGateway) Confirm(_ context.Context, intentRef string, method Method) (*Outcome, error) {
	if _, ok := method.(CashOnDelivery); !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedMethod, method)
	}
	if intentRef == "" {
		return nil, &NotReadyError{Provider: g.Name(), Reason: "no intent reference"}
	}
	return &Outcome{
		Provider: g.Name(),
		Ref:      intentRef,
		TxID:     intentRef,
		Status:   "pending_delivery",
	}, nil
}

func (g *codGateway) Capture(_ context.Context, orderRef string) (*Outcome, error) {
	if orderRef == "" {
		return nil, &NotReadyError{Provider: g.Name(), Reason: "no order reference"}
	}
	return &Outcome{Provider: g.Name(), Ref: orderRef, TxID: orderRef, Status: "pending_delivery"}, nil
}

// withTimeout bounds a provider call; zero d means caller-managed.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
