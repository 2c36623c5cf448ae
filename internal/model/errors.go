package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures for propagation and user-facing mapping.
type ErrorKind uint8

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindInsufficientFunds
	KindAlreadySettled
	KindAlreadyCancelled
	KindNotFound
	KindExternalDependencyUnavailable
	KindInvariantViolation
	KindMinimumTradesNotMet
	KindInvalidTransition
	KindNotReady
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindAlreadySettled:
		return "already_settled"
	case KindAlreadyCancelled:
		return "already_cancelled"
	case KindNotFound:
		return "not_found"
	case KindExternalDependencyUnavailable:
		return "external_dependency_unavailable"
	case KindInvariantViolation:
		return "invariant_violation"
	case KindMinimumTradesNotMet:
		return "minimum_trades_not_met"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindNotReady:
		return "not_ready"
	default:
		return "internal"
	}
}

// Sentinel errors. Match with errors.Is.
var (
	ErrValidation          = &Error{Kind: KindValidation, Msg: "validation failed"}
	ErrInvalidDuration     = &Error{Kind: KindValidation, Msg: "invalid duration"}
	ErrBelowMinimumAmount  = &Error{Kind: KindValidation, Msg: "amount below minimum for duration"}
	ErrInsufficientFunds   = &Error{Kind: KindInsufficientFunds, Msg: "insufficient funds"}
	ErrAlreadySettled      = &Error{Kind: KindAlreadySettled, Msg: "trade already settled"}
	ErrAlreadyCancelled    = &Error{Kind: KindAlreadyCancelled, Msg: "trade already cancelled"}
	ErrNotFound            = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrMarketUnavailable   = &Error{Kind: KindExternalDependencyUnavailable, Msg: "market data unavailable"}
	ErrInvariantViolation  = &Error{Kind: KindInvariantViolation, Msg: "ledger invariant violated"}
	ErrMinimumTradesNotMet = &Error{Kind: KindMinimumTradesNotMet, Msg: "minimum completed trades not met"}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition, Msg: "invalid state transition"}
	ErrNotReady            = &Error{Kind: KindNotReady, Msg: "engine is recovering"}
	ErrBadCredentials      = &Error{Kind: KindValidation, Msg: "invalid withdrawal password"}
)

// Error is the typed error carried through all ledger-mutating call chains.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Errorf wraps a sentinel with context while keeping it matchable.
func Errorf(sentinel *Error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// UserMessage renders err for end users. Infrastructure failures are
// reported generically; detail belongs in operator logs.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindInternal, KindInvariantViolation:
		return "internal error"
	case KindExternalDependencyUnavailable:
		return "market data temporarily unavailable, try again later"
	case KindNotReady:
		return "service is starting, try again shortly"
	}
	return err.Error()
}
