package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storefront/internal/models"
	"storefront/internal/util"
)

// SessionStore persists checkout sessions. The redis client implements it
// in production; tests use the in-memory store.
type SessionStore interface {
	SaveSession(ctx context.Context, session *models.CheckoutSession) error
	GetSession(ctx context.Context, id string) (*models.CheckoutSession, error)
	DeleteSession(ctx context.Context, id string) error
}

// Identity names the shopper starting a checkout. Exactly one of UserID
// and GuestEmail must be set; guests supply an email before review.
type Identity struct {
	UserID     int64
	GuestEmail string
}

// AdvancePayload carries the data for the step being completed. Only the
// fields relevant to the session's current step are read.
type AdvancePayload struct {
	ShippingAddress  *models.Address          `json:"shipping_address,omitempty"`
	BillingAddress   *models.Address          `json:"billing_address,omitempty"`
	GuestEmail       string                   `json:"guest_email,omitempty"`
	ShippingMethodID string                   `json:"shipping_method_id,omitempty"`
	PaymentSelection *models.PaymentSelection `json:"payment_selection,omitempty"`
	TermsAccepted    *bool                    `json:"terms_accepted,omitempty"`
	PrivacyAccepted  *bool                    `json:"privacy_accepted,omitempty"`
	MarketingConsent *bool                    `json:"marketing_consent,omitempty"`
	CustomerNotes    string                   `json:"customer_notes,omitempty"`
}

// CheckoutController drives the multi-step checkout session machine:
// cart, shipping, payment, review, confirmation. Advancing moves exactly
// one step forward after the current step validates; going back moves
// exactly one step without losing entered data.
type CheckoutController struct {
	sessions   SessionStore
	addresses  *AddressValidator
	shipping   *ShippingRateResolver
	requotes   *Debouncer
	sessionTTL time.Duration
	currency   string
	logger     *zap.Logger
}

func NewCheckoutController(sessions SessionStore, addresses *AddressValidator, shipping *ShippingRateResolver, requoteDelay, sessionTTL time.Duration, currency string) *CheckoutController {
	return &CheckoutController{
		sessions:   sessions,
		addresses:  addresses,
		shipping:   shipping,
		requotes:   NewDebouncer(requoteDelay),
		sessionTTL: sessionTTL,
		currency:   currency,
		logger:     util.GetLogger(),
	}
}

// Initialize starts a new checkout session or resumes an existing one with
// the current cart contents. A resumed session lands on its earliest
// incomplete step, so a shopper who left at payment does not redo
// shipping. An empty cart is rejected.
func (c *CheckoutController) Initialize(ctx context.Context, identity Identity, sessionID string, items []models.CartItem) (*models.CheckoutSession, error) {
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}
	for _, item := range items {
		if item.Quantity <= 0 || item.UnitPrice < 0 {
			return nil, &ValidationError{Step: "cart", Fields: []FieldError{
				{Field: "items", Code: "invalid", Message: fmt.Sprintf("bad quantity or price for product %d", item.ProductID)},
			}}
		}
	}

	var session *models.CheckoutSession
	if sessionID != "" {
		existing, err := c.sessions.GetSession(ctx, sessionID)
		if err == nil && existing != nil && time.Now().Before(existing.ExpiresAt) {
			session = existing
		}
	}
	if session == nil {
		session = &models.CheckoutSession{
			ID:        "cs_" + uuid.New().String(),
			UserID:    identity.UserID,
			Currency:  c.currency,
			Step:      models.StepCart,
			CreatedAt: time.Now().UTC(),
		}
		if identity.GuestEmail != "" {
			session.GuestEmail = identity.GuestEmail
		}
		util.CheckoutSessionsStarted.Inc()
	}

	signature := cartSignature(items)
	signatureChanged := session.CartSignature != "" && session.CartSignature != signature
	if signatureChanged && session.CartFrozen {
		return nil, ErrCartFrozen
	}

	session.Items = items
	session.CartSignature = signature
	session.Subtotal = cartSubtotal(items)
	session.ExpiresAt = time.Now().UTC().Add(c.sessionTTL)
	session.Step = earliestIncompleteStep(session)

	if err := c.sessions.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	if signatureChanged && session.ShippingMethod != nil {
		c.scheduleRequote(session.ID)
	}
	return session, nil
}

// Get loads a live session.
func (c *CheckoutController) Get(ctx context.Context, sessionID string) (*models.CheckoutSession, error) {
	session, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !time.Now().Before(session.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	return session, nil
}

// Advance validates the payload against the session's current step and
// moves forward exactly one step. Validation failure leaves the session
// where it is, with entered data kept.
func (c *CheckoutController) Advance(ctx context.Context, sessionID string, step models.CheckoutStep, payload AdvancePayload) (*models.CheckoutSession, error) {
	session, err := c.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if step != session.Step {
		return nil, fmt.Errorf("%w: session at %s, payload for %s", ErrStepMismatch, session.Step, step)
	}

	switch session.Step {
	case models.StepCart:
		if len(session.Items) == 0 {
			return nil, ErrEmptyCart
		}
	case models.StepShipping:
		if err := c.completeShipping(ctx, session, payload); err != nil {
			util.CheckoutStepFailures.WithLabelValues(string(session.Step)).Inc()
			return nil, err
		}
	case models.StepPayment:
		if err := c.completePayment(session, payload); err != nil {
			util.CheckoutStepFailures.WithLabelValues(string(session.Step)).Inc()
			return nil, err
		}
	case models.StepReview:
		if err := c.completeReview(session, payload); err != nil {
			util.CheckoutStepFailures.WithLabelValues(string(session.Step)).Inc()
			return nil, err
		}
	case models.StepConfirmation:
		return nil, fmt.Errorf("%w: confirmation is terminal", ErrStepMismatch)
	}

	session.Step = models.CheckoutSteps[models.StepIndex(session.Step)+1]
	if err := c.sessions.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return session, nil
}

// GoBack moves one step backward, keeping all entered data. At cart it
// returns the session unchanged.
func (c *CheckoutController) GoBack(ctx context.Context, sessionID string) (*models.CheckoutSession, error) {
	session, err := c.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	idx := models.StepIndex(session.Step)
	if idx <= 0 || session.Step == models.StepConfirmation {
		return session, nil
	}
	session.Step = models.CheckoutSteps[idx-1]
	if err := c.sessions.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return session, nil
}

// UpdateCart replaces the session's cart lines. Rejected once payment is
// authorized. A signature change after shipping completed schedules a
// debounced re-quote so the shipping cost matches the new cart.
func (c *CheckoutController) UpdateCart(ctx context.Context, sessionID string, items []models.CartItem) (*models.CheckoutSession, error) {
	session, err := c.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.CartFrozen {
		return nil, ErrCartFrozen
	}
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}

	signature := cartSignature(items)
	changed := signature != session.CartSignature
	session.Items = items
	session.CartSignature = signature
	session.Subtotal = cartSubtotal(items)

	if err := c.sessions.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	if changed && session.ShippingMethod != nil {
		c.scheduleRequote(session.ID)
	}
	return session, nil
}

// FreezeCart pins the cart and records the provider intent reference so a
// later retry confirms the same intent instead of opening a new one.
func (c *CheckoutController) FreezeCart(ctx context.Context, session *models.CheckoutSession, intentRef string) error {
	session.CartFrozen = true
	session.PaymentIntentRef = intentRef
	return c.sessions.SaveSession(ctx, session)
}

// Destroy removes the session, normally after its order is created.
func (c *CheckoutController) Destroy(ctx context.Context, sessionID string) error {
	return c.sessions.DeleteSession(ctx, sessionID)
}

func (c *CheckoutController) completeShipping(ctx context.Context, session *models.CheckoutSession, payload AdvancePayload) error {
	if payload.ShippingAddress == nil {
		return &ValidationError{Step: "shipping", Fields: []FieldError{
			{Field: "shipping_address", Code: "required", Message: "shipping address is required"},
		}}
	}
	if err := c.addresses.Validate(payload.ShippingAddress); err != nil {
		return err
	}
	if session.UserID == 0 {
		email := payload.GuestEmail
		if email == "" {
			email = session.GuestEmail
		}
		if err := c.addresses.ValidateEmail(email); err != nil {
			return err
		}
		session.GuestEmail = email
	}
	if payload.BillingAddress != nil {
		if err := c.addresses.Validate(payload.BillingAddress); err != nil {
			return err
		}
		session.BillingAddress = payload.BillingAddress
	} else {
		session.BillingAddress = payload.ShippingAddress
	}
	session.ShippingAddress = payload.ShippingAddress

	methods, degraded, err := c.shipping.Resolve(ctx, session.ShippingAddress, session.Subtotal)
	if err != nil {
		return err
	}
	session.ShippingDegraded = degraded

	var selected *models.ShippingMethod
	if payload.ShippingMethodID != "" {
		for i := range methods {
			if methods[i].ID == payload.ShippingMethodID {
				selected = &methods[i]
				break
			}
		}
		if selected == nil {
			return &ValidationError{Step: "shipping", Fields: []FieldError{
				{Field: "shipping_method_id", Code: "unknown", Message: "shipping method not available for this address"},
			}}
		}
	} else {
		selected = AutoSelect(methods)
	}
	if selected == nil {
		return &ValidationError{Step: "shipping", Fields: []FieldError{
			{Field: "shipping_method_id", Code: "required", Message: "a shipping method must be chosen"},
		}}
	}
	session.ShippingMethod = selected
	return nil
}

func (c *CheckoutController) completePayment(session *models.CheckoutSession, payload AdvancePayload) error {
	if payload.PaymentSelection == nil {
		return &ValidationError{Step: "payment", Fields: []FieldError{
			{Field: "payment_selection", Code: "required", Message: "a payment method is required"},
		}}
	}
	sel := *payload.PaymentSelection
	switch sel.Type {
	case "card":
		var fields []FieldError
		if sel.CardHolder == "" {
			fields = append(fields, FieldError{Field: "card_holder", Code: "required", Message: "cardholder name is required"})
		}
		if sel.CardToken == "" {
			fields = append(fields, FieldError{Field: "card_token", Code: "required", Message: "card token is required"})
		}
		if len(fields) > 0 {
			return &ValidationError{Step: "payment", Fields: fields}
		}
	case "paypal", "cash_on_delivery":
		// nothing to collect client-side
	default:
		return &ValidationError{Step: "payment", Fields: []FieldError{
			{Field: "payment_selection.type", Code: "unknown", Message: "unsupported payment method"},
		}}
	}
	session.PaymentSelection = sel
	return nil
}

func (c *CheckoutController) completeReview(session *models.CheckoutSession, payload AdvancePayload) error {
	if payload.TermsAccepted != nil {
		session.TermsAccepted = *payload.TermsAccepted
	}
	if payload.PrivacyAccepted != nil {
		session.PrivacyAccepted = *payload.PrivacyAccepted
	}
	if payload.MarketingConsent != nil {
		session.MarketingConsent = *payload.MarketingConsent
	}

	var fields []FieldError
	if !session.TermsAccepted {
		fields = append(fields, FieldError{Field: "terms_accepted", Code: "required", Message: "terms must be accepted"})
	}
	if !session.PrivacyAccepted {
		fields = append(fields, FieldError{Field: "privacy_accepted", Code: "required", Message: "privacy policy must be accepted"})
	}
	if len(fields) > 0 {
		return &ValidationError{Step: "review", Fields: fields}
	}
	return nil
}

// scheduleRequote re-resolves shipping after the debounce window, so a
// burst of cart edits causes one rate lookup, not one per edit.
func (c *CheckoutController) scheduleRequote(sessionID string) {
	c.requotes.Trigger(sessionID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		session, err := c.sessions.GetSession(ctx, sessionID)
		if err != nil || session.ShippingAddress == nil {
			return
		}
		methods, degraded, err := c.shipping.Resolve(ctx, session.ShippingAddress, session.Subtotal)
		if err != nil {
			return
		}
		session.ShippingDegraded = degraded

		// Keep the chosen method if it still exists, otherwise re-select.
		var kept *models.ShippingMethod
		if session.ShippingMethod != nil {
			for i := range methods {
				if methods[i].ID == session.ShippingMethod.ID {
					kept = &methods[i]
					break
				}
			}
		}
		if kept == nil {
			kept = AutoSelect(methods)
		}
		session.ShippingMethod = kept
		if err := c.sessions.SaveSession(ctx, session); err != nil {
			c.logger.Warn("requote save failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	})
}

// earliestIncompleteStep places a resumed session: missing shipping data
// lands on shipping, missing payment selection on payment, otherwise
// review.
func earliestIncompleteStep(session *models.CheckoutSession) models.CheckoutStep {
	if session.ShippingAddress == nil || session.ShippingMethod == nil {
		return models.StepShipping
	}
	if session.PaymentSelection.Type == "" {
		return models.StepPayment
	}
	return models.StepReview
}

// cartSignature fingerprints the cart contents. Order-independent: the
// same lines in a different order sign identically.
func cartSignature(items []models.CartItem) string {
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = fmt.Sprintf("%d:%d:%d", item.ProductID, item.Quantity, item.UnitPrice)
	}
	sort.Strings(lines)
	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func cartSubtotal(items []models.CartItem) int64 {
	var total int64
	for _, item := range items {
		total += item.UnitPrice * int64(item.Quantity)
	}
	return total
}
