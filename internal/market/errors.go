package market

import (
	"errors"
	"fmt"

	"opinions.market/internal/ledger"
)

// Class groups error codes by how a caller can recover from them.
type Class string

const (
	// ClassPrecondition errors are fixed by retrying with corrected input or later.
	ClassPrecondition Class = "precondition"
	// ClassAuthorization errors are fixed only by re-authenticating.
	ClassAuthorization Class = "authorization"
	// ClassArithmetic errors indicate a configuration or scale bug.
	ClassArithmetic Class = "arithmetic"
	// ClassInternal covers storage failures.
	ClassInternal Class = "internal"
)

// Error is a coded engine error. Sentinels are compared with errors.Is.
type Error struct {
	Code  string
	Class Class
}

func (e *Error) Error() string { return "market: " + e.Code }

func newError(code string, class Class) *Error { return &Error{Code: code, Class: class} }

var (
	ErrPostNotOpen                         = newError("postNotOpen", ClassPrecondition)
	ErrPostExpired                         = newError("postExpired", ClassPrecondition)
	ErrPostAlreadySettled                  = newError("postAlreadySettled", ClassPrecondition)
	ErrPostNotExpired                      = newError("postNotExpired", ClassPrecondition)
	ErrPostNotSettled                      = newError("postNotSettled", ClassPrecondition)
	ErrNoWinner                            = newError("noWinner", ClassPrecondition)
	ErrAlreadyClaimed                      = newError("alreadyClaimed", ClassPrecondition)
	ErrMathOverflow                        = newError("mathOverflow", ClassArithmetic)
	ErrZeroVotes                           = newError("zeroVotes", ClassPrecondition)
	ErrMintNotEnabled                      = newError("mintNotEnabled", ClassPrecondition)
	ErrBlingCannotBeAlternativePayment     = newError("blingCannotBeAlternativePayment", ClassPrecondition)
	ErrAlternativePaymentAlreadyRegistered = newError("alternativePaymentAlreadyRegistered", ClassPrecondition)
	ErrUnauthorized                        = newError("unauthorized", ClassAuthorization)
	ErrInvalidParentPost                   = newError("invalidParentPost", ClassPrecondition)
	ErrInvalidSignatureInstruction         = newError("invalidSignatureInstruction", ClassAuthorization)
	ErrSessionExpired                      = newError("sessionExpired", ClassAuthorization)
	ErrUnauthorizedSigner                  = newError("unauthorizedSigner", ClassAuthorization)
	ErrInvalidRelation                     = newError("invalidRelation", ClassPrecondition)
	ErrAnswerMustTargetQuestion            = newError("answerMustTargetQuestion", ClassPrecondition)
	ErrAnswerTargetNotRoot                 = newError("answerTargetNotRoot", ClassPrecondition)

	ErrNotInitialized       = newError("notInitialized", ClassPrecondition)
	ErrAlreadyInitialized   = newError("alreadyInitialized", ClassPrecondition)
	ErrInvalidConfig        = newError("invalidConfig", ClassPrecondition)
	ErrInvalidAmount        = newError("invalidAmount", ClassPrecondition)
	ErrInvalidSide          = newError("invalidSide", ClassPrecondition)
	ErrInsufficientFunds    = newError("insufficientFunds", ClassPrecondition)
	ErrTokenNotWithdrawable = newError("tokenNotWithdrawable", ClassPrecondition)
	ErrUserAlreadyExists    = newError("userAlreadyExists", ClassPrecondition)
	ErrPostAlreadyExists    = newError("postAlreadyExists", ClassPrecondition)
	ErrPostNotFound         = newError("postNotFound", ClassPrecondition)
	ErrPayoutNotFound       = newError("payoutNotFound", ClassPrecondition)

	// Store-level errors. ErrNotFound never escapes an engine operation unmapped.
	ErrNotFound = newError("notFound", ClassInternal)
	ErrConflict = newError("conflict", ClassInternal)
	ErrReadOnly = newError("readOnly", ClassInternal)
)

// Code returns the stable error code of err, or "internal" for foreign errors.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return "internal"
}

// ClassOf returns the recovery class of err.
func ClassOf(err error) Class {
	var me *Error
	if errors.As(err, &me) {
		return me.Class
	}
	return ClassInternal
}

// translate maps ledger failures onto engine codes, keeping the original in the chain.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return err
	}
	switch {
	case errors.Is(err, ledger.ErrOverflow):
		return fmt.Errorf("%w: %w", ErrMathOverflow, err)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
	case errors.Is(err, ledger.ErrInvalidAmount):
		return fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	return err
}
