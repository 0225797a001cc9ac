package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"storefront/internal/util"

	"go.uber.org/zap"
)

// PayPal order statuses.
const (
	paypalStatusCompleted = "COMPLETED"
)

// PayPalCapture is the provider's answer to a capture call.
type PayPalCapture struct {
	OrderID       string `json:"id"`
	Status        string `json:"status"`
	CaptureID     string `json:"capture_id"`
	DeclineReason string `json:"decline_reason,omitempty"`
}

// PayPalAPI is the provider surface for the two-phase order flow.
type PayPalAPI interface {
	CreateOrder(ctx context.Context, amount int64, currency, reference string) (string, error)
	CaptureOrder(ctx context.Context, orderID string) (*PayPalCapture, error)
}

// PayPalGateway runs the two-phase create/capture flow. Capture is
// idempotent: a repeat capture of the same provider order returns the
// recorded transaction id instead of charging again.
type PayPalGateway struct {
	api     PayPalAPI
	timeout time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	captured map[string]*Outcome
}

func NewPayPalGateway(api PayPalAPI, timeout time.Duration) *PayPalGateway {
	return &PayPalGateway{
		api:      api,
		timeout:  timeout,
		logger:   util.GetLogger(),
		captured: make(map[string]*Outcome),
	}
}

func (g *PayPalGateway) Name() string { return "paypal" }

// CreateIntent creates the provider-side order (phase one).
func (g *PayPalGateway) CreateIntent(ctx context.Context, amount int64, currency, reference string) (string, error) {
	if reference == "" {
		return "", &InitError{Provider: g.Name(), Err: fmt.Errorf("missing session reference")}
	}
	if amount <= 0 {
		return "", &InitError{Provider: g.Name(), Err: fmt.Errorf("non-positive amount %d", amount)}
	}

	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	orderID, err := g.api.CreateOrder(ctx, amount, currency, reference)
	if err != nil {
		return "", &InitError{Provider: g.Name(), Err: err}
	}

	g.logger.Info("PayPal order created",
		zap.String("paypal_order_id", orderID),
		zap.Int64("amount", amount))
	return orderID, nil
}

// Confirm finalizes the buyer-approved order (phase two).
func (g *PayPalGateway) Confirm(ctx context.Context, intentRef string, method Method) (*Outcome, error) {
	pp, ok := method.(PayPal)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedMethod, method)
	}

	ref := intentRef
	if ref == "" {
		ref = pp.OrderID
	}
	if ref == "" {
		return nil, &NotReadyError{Provider: g.Name(), Reason: "no provider order id"}
	}

	return g.Capture(ctx, ref)
}

// Capture finalizes the provider order and returns the transaction id.
// Safe to re-invoke: an already-captured order yields the same outcome.
func (g *PayPalGateway) Capture(ctx context.Context, orderRef string) (*Outcome, error) {
	if orderRef == "" {
		return nil, &NotReadyError{Provider: g.Name(), Reason: "no provider order id"}
	}

	g.mu.Lock()
	if prior, ok := g.captured[orderRef]; ok {
		g.mu.Unlock()
		return prior, nil
	}
	g.mu.Unlock()

	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	capture, err := g.api.CaptureOrder(ctx, orderRef)
	if err != nil {
		var apiErr *paypalAPIError
		if errors.As(err, &apiErr) {
			// PayPal answered with a rejection; nothing was captured.
			return nil, &DeclinedError{Provider: g.Name(), Ref: orderRef, Reason: apiErr.reason()}
		}
		return nil, &UnknownOutcomeError{Provider: g.Name(), Ref: orderRef, Err: err}
	}

	if capture.Status != paypalStatusCompleted {
		reason := capture.DeclineReason
		if reason == "" {
			reason = "order status " + capture.Status
		}
		return nil, &DeclinedError{Provider: g.Name(), Ref: orderRef, Reason: reason}
	}

	outcome := &Outcome{
		Provider: g.Name(),
		Ref:      capture.OrderID,
		TxID:     capture.CaptureID,
		Status:   capture.Status,
	}

	g.mu.Lock()
	g.captured[orderRef] = outcome
	g.mu.Unlock()

	g.logger.Info("PayPal order captured",
		zap.String("paypal_order_id", capture.OrderID),
		zap.String("tx_id", capture.CaptureID))
	return outcome, nil
}

// httpPayPalAPI talks to the PayPal Orders REST API.
type httpPayPalAPI struct {
	endpoint string
	clientID string
	secret   string
	client   *http.Client
}

func NewHTTPPayPalAPI(endpoint, clientID, secret string) PayPalAPI {
	return &httpPayPalAPI{
		endpoint: endpoint,
		clientID: clientID,
		secret:   secret,
		client:   &http.Client{},
	}
}

func (a *httpPayPalAPI) CreateOrder(ctx context.Context, amount int64, currency, reference string) (string, error) {
	payload := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{
			{
				"reference_id": reference,
				"amount": map[string]string{
					"currency_code": currency,
					"value":         formatMinorUnits(amount),
				},
			},
		},
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := a.do(ctx, http.MethodPost, "/checkout/orders", payload, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (a *httpPayPalAPI) CaptureOrder(ctx context.Context, orderID string) (*PayPalCapture, error) {
	var resp struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		PurchaseUnits []struct {
			Payments struct {
				Captures []struct {
					ID string `json:"id"`
				} `json:"captures"`
			} `json:"payments"`
		} `json:"purchase_units"`
	}

	if err := a.do(ctx, http.MethodPost, "/checkout/orders/"+orderID+"/capture", map[string]interface{}{}, &resp); err != nil {
		return nil, err
	}

	capture := &PayPalCapture{OrderID: resp.ID, Status: resp.Status}
	if len(resp.PurchaseUnits) > 0 && len(resp.PurchaseUnits[0].Payments.Captures) > 0 {
		capture.CaptureID = resp.PurchaseUnits[0].Payments.Captures[0].ID
	}
	return capture, nil
}

func (a *httpPayPalAPI) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, a.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(a.clientID, a.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("paypal api status %d", resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var envelope struct {
			Name    string `json:"name"`
			Details []struct {
				Issue string `json:"issue"`
			} `json:"details"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		apiErr := &paypalAPIError{StatusCode: resp.StatusCode, Name: envelope.Name}
		if len(envelope.Details) > 0 {
			apiErr.Issue = envelope.Details[0].Issue
		}
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// paypalAPIError is a definitive 4xx answer from the API; the request
// reached PayPal and was refused, so nothing was captured.
type paypalAPIError struct {
	StatusCode int
	Name       string
	Issue      string
}

func (e *paypalAPIError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("paypal api status %d", e.StatusCode)
	}
	return fmt.Sprintf("paypal api status %d: %s", e.StatusCode, e.Name)
}

func (e *paypalAPIError) reason() string {
	switch {
	case e.Issue != "":
		return e.Issue
	case e.Name != "":
		return e.Name
	}
	return fmt.Sprintf("provider status %d", e.StatusCode)
}

// formatMinorUnits renders minor units the way PayPal wants amounts
// ("30.19" for 3019 cents).
func formatMinorUnits(amount int64) string {
	return strconv.FormatInt(amount/100, 10) + "." + fmt.Sprintf("%02d", amount%100)
}
