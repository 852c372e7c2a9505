package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	// input / validation
	CodeValidation      Code = "VALIDATION"
	CodeEmptyCart       Code = "EMPTY_CART"
	CodeOutOfStock      Code = "OUT_OF_STOCK"
	CodeInvalidDiscount Code = "INVALID_DISCOUNT"
	CodeAmountMismatch  Code = "AMOUNT_MISMATCH"
	CodeIntentMismatch  Code = "INTENT_MISMATCH"
	CodeInvalidSig      Code = "INVALID_SIGNATURE"

	// lookup
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeOrderNotFound   Code = "ORDER_NOT_FOUND"

	// concurrency conflicts
	CodeSessionNotPending Code = "SESSION_NOT_PENDING"
	CodeStockChanged      Code = "STOCK_CHANGED"
	CodeDiscountExhausted Code = "DISCOUNT_EXHAUSTED"
	CodeInvalidTransition Code = "INVALID_TRANSITION"

	// external dependency vs rejection
	CodeGatewayUnavailable   Code = "GATEWAY_UNAVAILABLE"
	CodePaymentNotSuccessful Code = "PAYMENT_NOT_SUCCESSFUL"
	CodeRelayUnavailable     Code = "RELAY_UNAVAILABLE"
)

// Error carries a stable code for callers plus optional details
// (e.g. the list of out-of-stock items).
type Error struct {
	Code    Code
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code only, so errors.Is(err, ErrStockChanged) works for
// any STOCK_CHANGED error regardless of message or details.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func New(code Code, msg string) *Error { return &Error{Code: code, Message: msg} }

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func WithDetails(code Code, msg string, details any) *Error {
	return &Error{Code: code, Message: msg, Details: details}
}

var (
	ErrEmptyCart            = New(CodeEmptyCart, "cart is empty")
	ErrOutOfStock           = New(CodeOutOfStock, "items out of stock")
	ErrInvalidDiscount      = New(CodeInvalidDiscount, "discount code rejected")
	ErrSessionNotFound      = New(CodeSessionNotFound, "checkout session not found")
	ErrSessionNotPending    = New(CodeSessionNotPending, "checkout session is not pending")
	ErrStockChanged         = New(CodeStockChanged, "stock changed since session creation")
	ErrDiscountExhausted    = New(CodeDiscountExhausted, "discount usage cap reached")
	ErrPaymentNotSuccessful = New(CodePaymentNotSuccessful, "payment not successful")
	ErrGatewayUnavailable   = New(CodeGatewayUnavailable, "payment gateway unavailable")
	ErrAmountMismatch       = New(CodeAmountMismatch, "amount does not match session total")
	ErrIntentMismatch       = New(CodeIntentMismatch, "payment intent does not belong to session")
	ErrInvalidSignature     = New(CodeInvalidSig, "callback signature invalid")
	ErrOrderNotFound        = New(CodeOrderNotFound, "order not found")
	ErrInvalidTransition    = New(CodeInvalidTransition, "order status transition not allowed")
)

// CodeOf returns the code of the first *Error in the chain, or "" for plain errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable reports whether the caller may retry the same request unchanged.
func Retryable(err error) bool {
	return CodeOf(err) == CodeGatewayUnavailable
}

// Validation builds a VALIDATION error naming the offending field.
func Validation(field, msg string) *Error {
	return &Error{Code: CodeValidation, Message: field + ": " + msg, Details: map[string]string{"field": field}}
}
