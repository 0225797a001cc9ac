package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStripeAPI struct {
	intents    map[string]*StripeIntent
	confirmErr error
	nextID     string
}

func newFakeStripeAPI() *fakeStripeAPI {
	return &fakeStripeAPI{intents: make(map[string]*StripeIntent), nextID: "pi_1"}
}

func (f *fakeStripeAPI) CreatePaymentIntent(_ context.Context, amount int64, currency, _ string) (*StripeIntent, error) {
	intent := &StripeIntent{ID: f.nextID, Status: "requires_confirmation", Amount: amount, Currency: currency}
	f.intents[intent.ID] = intent
	return intent, nil
}

func (f *fakeStripeAPI) ConfirmPaymentIntent(_ context.Context, intentID, _ string) (*StripeIntent, error) {
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	intent, ok := f.intents[intentID]
	if !ok {
		return nil, errors.New("no such intent")
	}
	return intent, nil
}

func (f *fakeStripeAPI) GetPaymentIntent(_ context.Context, intentID string) (*StripeIntent, error) {
	intent, ok := f.intents[intentID]
	if !ok {
		return nil, errors.New("no such intent")
	}
	return intent, nil
}

func TestStripeCreateIntentRequiresReference(t *testing.T) {
	g := NewStripeGateway(newFakeStripeAPI(), time.Second)

	_, err := g.CreateIntent(context.Background(), 3019, "eur", "")

	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "stripe", initErr.Provider)
}

func TestStripeCreateIntentRejectsNonPositiveAmount(t *testing.T) {
	g := NewStripeGateway(newFakeStripeAPI(), time.Second)

	_, err := g.CreateIntent(context.Background(), 0, "eur", "sess-1")

	var initErr *InitError
	assert.ErrorAs(t, err, &initErr)
}

func TestStripeConfirmWithoutIntentFails(t *testing.T) {
	g := NewStripeGateway(newFakeStripeAPI(), time.Second)

	_, err := g.Confirm(context.Background(), "", Card{Holder: "Ana", Token: "pm_1"})

	var notReady *NotReadyError
	assert.ErrorAs(t, err, &notReady)
}

func TestStripeConfirmWithoutCardTokenFails(t *testing.T) {
	g := NewStripeGateway(newFakeStripeAPI(), time.Second)

	_, err := g.Confirm(context.Background(), "pi_1", Card{Holder: "Ana"})

	var notReady *NotReadyError
	assert.ErrorAs(t, err, &notReady)
}

func TestStripeConfirmNonSucceededIntentIsDeclined(t *testing.T) {
	api := newFakeStripeAPI()
	g := NewStripeGateway(api, time.Second)

	ref, err := g.CreateIntent(context.Background(), 3019, "eur", "sess-1")
	require.NoError(t, err)

	api.intents[ref].Status = "requires_payment_method"
	_, err = g.Confirm(context.Background(), ref, Card{Holder: "Ana", Token: "pm_1"})

	var declined *DeclinedError
	require.ErrorAs(t, err, &declined)
	assert.True(t, IsDeclined(err))
	assert.False(t, IsUnknownOutcome(err))
}

func TestStripeConfirmSucceededIntent(t *testing.T) {
	api := newFakeStripeAPI()
	g := NewStripeGateway(api, time.Second)

	ref, err := g.CreateIntent(context.Background(), 3019, "eur", "sess-1")
	require.NoError(t, err)

	api.intents[ref].Status = "succeeded"
	api.intents[ref].LatestCharge = "ch_42"

	outcome, err := g.Confirm(context.Background(), ref, Card{Holder: "Ana", Token: "pm_1"})
	require.NoError(t, err)
	assert.Equal(t, ref, outcome.Ref)
	assert.Equal(t, "ch_42", outcome.TxID)
	assert.Equal(t, "succeeded", outcome.Status)
}

func TestStripeConfirmTransportErrorIsUnknownOutcome(t *testing.T) {
	api := newFakeStripeAPI()
	api.confirmErr = context.DeadlineExceeded
	g := NewStripeGateway(api, time.Second)

	_, err := g.Confirm(context.Background(), "pi_1", Card{Holder: "Ana", Token: "pm_1"})

	assert.True(t, IsUnknownOutcome(err))
	assert.False(t, IsDeclined(err))
}

func TestStripeHTTPCardDeclinedIsDeclinedNotUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`)
	}))
	defer srv.Close()

	g := NewStripeGateway(NewHTTPStripeAPI(srv.URL, "sk_test"), time.Second)

	_, err := g.Confirm(context.Background(), "pi_1", Card{Holder: "Ana", Token: "pm_1"})

	var declined *DeclinedError
	require.ErrorAs(t, err, &declined)
	assert.Equal(t, "card_declined", declined.Reason)
	assert.False(t, IsUnknownOutcome(err))
}

func TestStripeHTTPServerErrorIsUnknownOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := NewStripeGateway(NewHTTPStripeAPI(srv.URL, "sk_test"), time.Second)

	_, err := g.Confirm(context.Background(), "pi_1", Card{Holder: "Ana", Token: "pm_1"})

	assert.True(t, IsUnknownOutcome(err))
	assert.False(t, IsDeclined(err))
}

func TestStripeHTTPCaptureMissingIntentIsDeclined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"resource_missing"}}`)
	}))
	defer srv.Close()

	g := NewStripeGateway(NewHTTPStripeAPI(srv.URL, "sk_test"), time.Second)

	_, err := g.Capture(context.Background(), "pi_gone")

	assert.True(t, IsDeclined(err))
	assert.False(t, IsUnknownOutcome(err))
}

func TestStripeRejectsForeignMethod(t *testing.T) {
	g := NewStripeGateway(newFakeStripeAPI(), time.Second)

	_, err := g.Confirm(context.Background(), "pi_1", PayPal{OrderID: "pp-1"})

	assert.ErrorIs(t, err, ErrUnsupportedMethod)
}
