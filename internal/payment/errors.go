package payment

import (
	"errors"
	"fmt"
)

// ErrUnsupportedMethod is returned when a method variant reaches a gateway
// that cannot process it.
var ErrUnsupportedMethod = errors.New("payment method not supported by gateway")

// InitError means the provider-side transaction could not be created.
// Nothing was charged.
type InitError struct {
	Provider string
	Err      error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("%s: payment initialization failed: %v", e.Provider, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// NotReadyError means confirmation was attempted without a usable
// provider-side reference. Nothing was charged.
type NotReadyError struct {
	Provider string
	Reason   string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("%s: payment not ready: %s", e.Provider, e.Reason)
}

// DeclinedError means the provider definitively refused the charge.
// The card was not charged; retrying with another method is safe.
type DeclinedError struct {
	Provider string
	Ref      string
	Reason   string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("%s: payment declined (%s): %s", e.Provider, e.Ref, e.Reason)
}

// UnknownOutcomeError means the provider call timed out or failed after
// submission: the charge may have gone through. Callers must reconcile,
// never retry the charge.
type UnknownOutcomeError struct {
	Provider string
	Ref      string
	Err      error
}

func (e *UnknownOutcomeError) Error() string {
	return fmt.Sprintf("%s: payment outcome unknown for %s: %v", e.Provider, e.Ref, e.Err)
}

func (e *UnknownOutcomeError) Unwrap() error { return e.Err }

// IsUnknownOutcome reports whether err carries an unknown payment outcome.
func IsUnknownOutcome(err error) bool {
	var u *UnknownOutcomeError
	return errors.As(err, &u)
}

// IsDeclined reports whether err is a definitive provider refusal.
func IsDeclined(err error) bool {
	var d *DeclinedError
	return errors.As(err, &d)
}
