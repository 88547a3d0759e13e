// Package errors defines the failure taxonomy shared by the protocol engines.
// Every rejected state transition surfaces one of four kinds together with a
// human readable reason; callers branch on the kind or on the sentinel values
// below using the standard errors.Is helper.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a protocol failure.
type Kind string

const (
	// KindValidation covers malformed input rejected before any state change.
	KindValidation Kind = "validation"
	// KindBounds covers amounts outside the configured or available range.
	KindBounds Kind = "bounds"
	// KindAuthorization covers missing roles, bad signatures and stale nonces.
	KindAuthorization Kind = "authorization"
	// KindConfiguration covers operator errors such as unset feeds.
	KindConfiguration Kind = "configuration"
)

// Error is a classified protocol error.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		if e.Reason == "" {
			return e.Err.Error()
		}
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error with the same kind and reason so sentinels compare
// equal after being wrapped with additional context.
func (e *Error) Is(target error) bool {
	var other *Error
	if !stderrors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return e.Kind == other.Kind && e.Reason == other.Reason && other.Err == nil
}

func newSentinel(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap attaches detail to a sentinel while keeping it matchable with errors.Is.
func Wrap(sentinel *Error, format string, args ...any) error {
	if sentinel == nil {
		return fmt.Errorf(format, args...)
	}
	return &Error{Kind: sentinel.Kind, Reason: sentinel.Reason, Err: &detail{msg: fmt.Sprintf(format, args...), sentinel: sentinel}}
}

type detail struct {
	msg      string
	sentinel *Error
}

func (d *detail) Error() string { return d.msg }

func (d *detail) Unwrap() error { return d.sentinel }

// KindOf returns the taxonomy class of err, or the empty kind when err was not
// produced by this package.
func KindOf(err error) Kind {
	var classified *Error
	if stderrors.As(err, &classified) && classified != nil {
		return classified.Kind
	}
	return ""
}

// Reason returns the reason string attached to a classified error, falling
// back to err.Error() for foreign errors.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var classified *Error
	if stderrors.As(err, &classified) && classified != nil {
		return classified.Reason
	}
	return err.Error()
}

var (
	ErrInvalidSignature    = newSentinel(KindValidation, "invalid signature")
	ErrInvalidPayload      = newSentinel(KindValidation, "invalid payload")
	ErrNoCardsRequested    = newSentinel(KindValidation, "no prepaid cards requested")
	ErrInvalidAmount       = newSentinel(KindValidation, "invalid amount")
	ErrInvalidAddress      = newSentinel(KindValidation, "invalid address")
	ErrUnknownMethod       = newSentinel(KindValidation, "unknown method")
	ErrNoContract          = newSentinel(KindValidation, "no contract at address")
	ErrDuplicateRegistered = newSentinel(KindValidation, "already registered")

	ErrInsufficientFunds   = newSentinel(KindBounds, "insufficient funds sent for requested amounts")
	ErrInsufficientBalance = newSentinel(KindBounds, "transfer amount exceeds balance")
	ErrFaceValueOutOfRange = newSentinel(KindBounds, "amount is outside the face value range")

	ErrUnauthorized          = newSentinel(KindAuthorization, "caller is not authorized")
	ErrTokenNotAllowed       = newSentinel(KindAuthorization, "token is not a payable token")
	ErrMerchantNotRegistered = newSentinel(KindAuthorization, "merchant is not registered")
	ErrCardNotFound          = newSentinel(KindAuthorization, "prepaid card is not managed")
	ErrSignatureRejected     = newSentinel(KindAuthorization, "invalid owner signatures")
	ErrThresholdNotMet       = newSentinel(KindAuthorization, "signatures below threshold")
	ErrModulePaused          = newSentinel(KindAuthorization, "module paused")

	ErrFeedNotConfigured   = newSentinel(KindConfiguration, "feed address is not specified")
	ErrOracleNotConfigured = newSentinel(KindConfiguration, "DIA oracle is not specified")
	ErrDecimalMismatch     = newSentinel(KindConfiguration, "feed decimals mismatch")
	ErrExchangeNotFound    = newSentinel(KindConfiguration, "exchange does not exist")
	ErrNotConfigured       = newSentinel(KindConfiguration, "module is not set up")
	ErrInvalidFeedAnswer   = newSentinel(KindConfiguration, "feed returned an invalid answer")
)
