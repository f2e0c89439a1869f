// Package brokererr provides the structured error envelope used across the
// execution core. Every broker or executor failure carries a Code so callers
// branch on classification instead of message text.
package brokererr

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// Code classifies a failure.
type Code string

const (
	// CodeValidation - malformed order; never retried.
	CodeValidation Code = "VALIDATION_ERROR"
	// CodeRiskRejected - blocking risk violations; no broker contact.
	CodeRiskRejected Code = "RISK_REJECTED"
	// CodeAuth - session could not be established.
	CodeAuth Code = "AUTH_FAILED"
	// CodeInsufficientFunds - broker rejected for margin/balance.
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	// CodeSymbolNotFound - unknown or unsupported instrument.
	CodeSymbolNotFound Code = "SYMBOL_NOT_FOUND"
	// CodeMarketClosed - venue not accepting orders.
	CodeMarketClosed Code = "MARKET_CLOSED"
	// CodeOrderSizeTooSmall - below venue minimum.
	CodeOrderSizeTooSmall Code = "ORDER_SIZE_TOO_SMALL"
	// CodeInvalidPrice - price outside venue bands.
	CodeInvalidPrice Code = "INVALID_PRICE"
	// CodeDuplicateOrder - venue saw this client order ID already.
	CodeDuplicateOrder Code = "DUPLICATE_ORDER"
	// CodeOrderRejected - broker rejected for any other terminal reason.
	CodeOrderRejected Code = "ORDER_REJECTED"
	// CodeRateLimited - vendor throttled the request; retryable.
	CodeRateLimited Code = "RATE_LIMITED"
	// CodeTimeout - call exceeded its deadline; retryable.
	CodeTimeout Code = "TIMEOUT"
	// CodeTransient - network or vendor 5xx; retryable.
	CodeTransient Code = "TRANSIENT_BROKER_ERROR"
	// CodeBreakerOpen - circuit breaker refused the call; retryable.
	CodeBreakerOpen Code = "BREAKER_OPEN"
	// CodeInvalidTransition - operation not allowed from the current state.
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	// CodeUnknown - uncategorized failure.
	CodeUnknown Code = "UNKNOWN"
)

// Retryable reports whether the executor may attempt again after backoff.
func (c Code) Retryable() bool {
	switch c {
	case CodeRateLimited, CodeTimeout, CodeTransient, CodeBreakerOpen, CodeAuth, CodeUnknown:
		return true
	}
	return false
}

// E is the structured error envelope.
type E struct {
	Vendor  string
	Code    Code
	RawCode string // vendor-native error code, if any
	Message string

	cause error
}

// New constructs an envelope.
func New(vendor string, code Code, msg string) *E {
	return &E{Vendor: vendor, Code: code, Message: strings.TrimSpace(msg)}
}

// Wrap constructs an envelope with an underlying cause.
func Wrap(vendor string, code Code, msg string, cause error) *E {
	return &E{Vendor: vendor, Code: code, Message: strings.TrimSpace(msg), cause: cause}
}

// WithRawCode records the vendor-native error code.
func (e *E) WithRawCode(raw string) *E {
	e.RawCode = strings.TrimSpace(raw)
	return e
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 4)
	if e.Vendor != "" {
		parts = append(parts, "vendor="+e.Vendor)
	}
	parts = append(parts, "code="+string(e.Code))
	if e.RawCode != "" {
		parts = append(parts, "raw="+e.RawCode)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the classification from any error. Deadline errors map to
// CodeTimeout; everything unclassified maps to CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var be *E
	if errors.As(err, &be) {
		return be.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeUnknown
}

// Retryable reports whether err should be retried by the executor.
func Retryable(err error) bool {
	return CodeOf(err).Retryable()
}
