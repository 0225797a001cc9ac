package service

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyCart rejects checkout initialization with nothing to buy.
	ErrEmptyCart = errors.New("cart is empty, nothing to check out")

	// ErrSessionExpired means the checkout session timed out.
	ErrSessionExpired = errors.New("checkout session expired")

	// ErrCartFrozen rejects cart mutation after payment authorization:
	// the authorized amount must match the captured one.
	ErrCartFrozen = errors.New("cart is frozen once payment is authorized")

	// ErrStepMismatch means the payload targets a step the session is not at.
	ErrStepMismatch = errors.New("payload does not match current checkout step")

	// ErrInvalidTransition rejects a status change outside the table.
	ErrInvalidTransition = errors.New("invalid order status transition")

	// ErrMissingFulfillmentData rejects shipping without tracking data.
	ErrMissingFulfillmentData = errors.New("tracking number and carrier required to mark shipped")

	// ErrConcurrentModification means the stored status moved under us and
	// the automatic retry also found a conflicting state.
	ErrConcurrentModification = errors.New("order was modified concurrently")

	// ErrPaymentOutcomeUnknown means the provider call timed out after
	// submission; a recovery record exists and reconciliation will finish
	// the order. The user must not retry the charge.
	ErrPaymentOutcomeUnknown = errors.New("payment outcome unknown, reconciliation pending")

	// ErrOrderRecoverable means payment was captured but the order persist
	// failed; the charge is recorded for reconciliation, never lost.
	ErrOrderRecoverable = errors.New("payment captured, order creation deferred to reconciliation")

	// ErrRecoveryNotFound means no recovery record matches the provider ref.
	ErrRecoveryNotFound = errors.New("no payment recovery for provider reference")
)

// FieldError pins a validation failure to one input field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError carries the full set of offending fields so the caller
// can re-prompt the same step with field-scoped messages.
type ValidationError struct {
	Step   string
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Field
	}
	return fmt.Sprintf("validation failed at %s: %s", e.Step, strings.Join(names, ", "))
}

// IsValidation reports whether err is a field validation error.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
