package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"storefront/internal/util"

	"go.uber.org/zap"
)

// Stripe intent statuses the adapter cares about.
const (
	stripeStatusSucceeded = "succeeded"
)

// StripeIntent is the provider-side payment intent.
type StripeIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	LatestCharge string `json:"latest_charge"`
}

// StripeAPI is the provider surface the adapter talks to. Production uses
// the HTTP implementation below; tests use a fake.
type StripeAPI interface {
	CreatePaymentIntent(ctx context.Context, amount int64, currency, reference string) (*StripeIntent, error)
	ConfirmPaymentIntent(ctx context.Context, intentID, cardToken string) (*StripeIntent, error)
	GetPaymentIntent(ctx context.Context, intentID string) (*StripeIntent, error)
}

// StripeGateway charges cards through server-side payment intents. The
// intent amount is always the server-recomputed total; the server never
// sees raw card data, only the client-side capture token.
type StripeGateway struct {
	api     StripeAPI
	timeout time.Duration
	logger  *zap.Logger
}

func NewStripeGateway(api StripeAPI, timeout time.Duration) *StripeGateway {
	return &StripeGateway{
		api:     api,
		timeout: timeout,
		logger:  util.GetLogger(),
	}
}

func (g *StripeGateway) Name() string { return "stripe" }

// CreateIntent opens an intent tied to a real session reference. An empty
// reference fails closed: a non-unique placeholder would make the intent
// impossible to reconcile.
func (g *StripeGateway) CreateIntent(ctx context.Context, amount int64, currency, reference string) (string, error) {
	if reference == "" {
		return "", &InitError{Provider: g.Name(), Err: fmt.Errorf("missing session reference")}
	}
	if amount <= 0 {
		return "", &InitError{Provider: g.Name(), Err: fmt.Errorf("non-positive amount %d", amount)}
	}

	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	intent, err := g.api.CreatePaymentIntent(ctx, amount, currency, reference)
	if err != nil {
		return "", &InitError{Provider: g.Name(), Err: err}
	}

	g.logger.Info("Stripe intent created",
		zap.String("intent_id", intent.ID),
		zap.Int64("amount", amount),
		zap.String("reference", reference))
	return intent.ID, nil
}

// Confirm settles the intent with the card token. Anything short of a
// succeeded intent is a failure; there is no quiet path to success.
func (g *StripeGateway) Confirm(ctx context.Context, intentRef string, method Method) (*Outcome, error) {
	card, ok := method.(Card)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedMethod, method)
	}
	if intentRef == "" {
		return nil, &NotReadyError{Provider: g.Name(), Reason: "no payment intent for session"}
	}
	if card.Token == "" {
		return nil, &NotReadyError{Provider: g.Name(), Reason: "card details were not captured"}
	}

	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	intent, err := g.api.ConfirmPaymentIntent(ctx, intentRef, card.Token)
	if err != nil {
		var apiErr *stripeAPIError
		if errors.As(err, &apiErr) {
			// Stripe answered with a rejection; the card was not charged.
			g.logger.Warn("Stripe confirm rejected",
				zap.String("intent_id", intentRef),
				zap.Int("status", apiErr.StatusCode),
				zap.String("code", apiErr.Code))
			return nil, &DeclinedError{Provider: g.Name(), Ref: intentRef, Reason: apiErr.reason()}
		}
		// The confirm was submitted; the provider may have charged.
		return nil, &UnknownOutcomeError{Provider: g.Name(), Ref: intentRef, Err: err}
	}

	if intent.Status != stripeStatusSucceeded {
		g.logger.Warn("Stripe intent not succeeded",
			zap.String("intent_id", intentRef),
			zap.String("status", intent.Status))
		return nil, &DeclinedError{Provider: g.Name(), Ref: intentRef, Reason: "intent status " + intent.Status}
	}

	return &Outcome{
		Provider: g.Name(),
		Ref:      intent.ID,
		TxID:     intent.LatestCharge,
		Status:   intent.Status,
	}, nil
}

// Capture re-reads the intent. Stripe intents auto-capture on confirm, so
// this doubles as the reconciliation probe for unknown outcomes.
func (g *StripeGateway) Capture(ctx context.Context, orderRef string) (*Outcome, error) {
	if orderRef == "" {
		return nil, &NotReadyError{Provider: g.Name(), Reason: "no intent reference"}
	}

	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	intent, err := g.api.GetPaymentIntent(ctx, orderRef)
	if err != nil {
		var apiErr *stripeAPIError
		if errors.As(err, &apiErr) {
			// Stripe answered: the intent is gone or malformed, so no
			// charge can exist under this reference.
			return nil, &DeclinedError{Provider: g.Name(), Ref: orderRef, Reason: apiErr.reason()}
		}
		return nil, &UnknownOutcomeError{Provider: g.Name(), Ref: orderRef, Err: err}
	}
	if intent.Status != stripeStatusSucceeded {
		return nil, &DeclinedError{Provider: g.Name(), Ref: orderRef, Reason: "intent status " + intent.Status}
	}
	return &Outcome{Provider: g.Name(), Ref: intent.ID, TxID: intent.LatestCharge, Status: intent.Status}, nil
}

// httpStripeAPI talks to the Stripe REST API. No SDK: the adapter needs
// three calls and the tests fake the interface anyway.
type httpStripeAPI struct {
	endpoint string
	key      string
	client   *http.Client
}

func NewHTTPStripeAPI(endpoint, key string) StripeAPI {
	return &httpStripeAPI{
		endpoint: endpoint,
		key:      key,
		client:   &http.Client{},
	}
}

func (a *httpStripeAPI) CreatePaymentIntent(ctx context.Context, amount int64, currency, reference string) (*StripeIntent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amount, 10))
	form.Set("currency", currency)
	form.Set("metadata[session_id]", reference)
	return a.do(ctx, http.MethodPost, "/payment_intents", form)
}

func (a *httpStripeAPI) ConfirmPaymentIntent(ctx context.Context, intentID, cardToken string) (*StripeIntent, error) {
	form := url.Values{}
	form.Set("payment_method", cardToken)
	return a.do(ctx, http.MethodPost, "/payment_intents/"+intentID+"/confirm", form)
}

func (a *httpStripeAPI) GetPaymentIntent(ctx context.Context, intentID string) (*StripeIntent, error) {
	return a.do(ctx, http.MethodGet, "/payment_intents/"+intentID, nil)
}

func (a *httpStripeAPI) do(ctx context.Context, method, path string, form url.Values) (*StripeIntent, error) {
	var body *bytes.Reader
	if form != nil {
		body = bytes.NewReader([]byte(form.Encode()))
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.endpoint+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.key)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("stripe api status %d", resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var envelope stripeErrorEnvelope
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		return nil, &stripeAPIError{
			StatusCode: resp.StatusCode,
			Code:       envelope.Error.Code,
			Message:    envelope.Error.Message,
		}
	}

	var intent StripeIntent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return nil, fmt.Errorf("decode stripe response: %w", err)
	}
	return &intent, nil
}

// stripeErrorEnvelope is the body Stripe sends with a non-2xx answer.
type stripeErrorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// stripeAPIError is a definitive 4xx answer: the request reached Stripe
// and Stripe rejected it, so nothing was charged. Transport failures and
// 5xx stay plain errors because the charge state is unknowable.
type stripeAPIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *stripeAPIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("stripe api status %d", e.StatusCode)
	}
	return fmt.Sprintf("stripe api status %d: %s", e.StatusCode, e.Code)
}

func (e *stripeAPIError) reason() string {
	switch {
	case e.Code != "":
		return e.Code
	case e.Message != "":
		return e.Message
	}
	return fmt.Sprintf("provider status %d", e.StatusCode)
}
