package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrValidation               = errors.New("validation error")
	ErrInvalidTransition        = errors.New("invalid transition")
	ErrAlreadyAssigned          = errors.New("ride already assigned")
	ErrBidTerminal              = errors.New("bid is closed")
	ErrNegotiationDepthExceeded = errors.New("negotiation depth exceeded")
	ErrDuplicateBid             = errors.New("driver already has a live bid on this ride")
	ErrEditAlreadyPending       = errors.New("edit already pending")
	ErrEditNotPending           = errors.New("edit not pending")
	ErrConflict                 = errors.New("concurrent update conflict")
	ErrInvariant                = errors.New("ride invariant violated")

	ErrPaymentMethodRequired       = errors.New("payment method required")
	ErrPaymentDeclined             = errors.New("payment declined")
	ErrPaymentVerificationRequired = errors.New("payment verification required")
	ErrPaymentAttemptsExhausted    = errors.New("payment attempts exhausted")
	ErrPaymentUnavailable          = errors.New("payment provider unavailable")
)

// Validationf wraps ErrValidation with a message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// TransitionError reports a rejected status change.
type TransitionError struct {
	From RideStatus
	To   RideStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// PaymentError carries the provider's reason next to one of the payment kinds.
type PaymentError struct {
	Kind   error
	Reason string
}

func (e *PaymentError) Error() string {
	if e.Reason == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Reason
}

func (e *PaymentError) Unwrap() error { return e.Kind }

func IsPaymentError(err error) bool {
	return errors.Is(err, ErrPaymentMethodRequired) ||
		errors.Is(err, ErrPaymentDeclined) ||
		errors.Is(err, ErrPaymentVerificationRequired) ||
		errors.Is(err, ErrPaymentAttemptsExhausted) ||
		errors.Is(err, ErrPaymentUnavailable)
}

// Retryable reports whether the user can fix the cause and try again.
// Races and transition errors need a refresh instead.
func Retryable(err error) bool {
	return errors.Is(err, ErrPaymentMethodRequired) ||
		errors.Is(err, ErrPaymentDeclined) ||
		errors.Is(err, ErrPaymentVerificationRequired) ||
		errors.Is(err, ErrPaymentUnavailable)
}
