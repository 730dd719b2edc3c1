// Package errs provides structured error types and helpers for the trade store.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a trade-store error category.
type Code string

const (
	// CodeInvalid indicates structurally malformed input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeMaturityRejected indicates a maturity date earlier than the current date.
	CodeMaturityRejected Code = "maturity_rejected"
	// CodeVersionConflict indicates an incoming version lower than the stored version.
	CodeVersionConflict Code = "version_conflict"
	// CodeNotFound indicates a missing trade record.
	CodeNotFound Code = "not_found"
	// CodeDependency indicates a store, audit, or publish call failed or timed out.
	CodeDependency Code = "dependency_failure"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the trade store.
type E struct {
	Op              string
	Code            Code
	Message         string
	TradeID         string
	IncomingVersion int
	ExistingVersion int

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:              strings.TrimSpace(op),
		Code:            code,
		Message:         "",
		TradeID:         "",
		IncomingVersion: 0,
		ExistingVersion: 0,
		cause:           nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithTradeID records the business trade identifier the operation targeted.
func WithTradeID(tradeID string) Option {
	trimmed := strings.TrimSpace(tradeID)
	return func(e *E) {
		e.TradeID = trimmed
	}
}

// WithVersions records the incoming and existing versions involved in a conflict.
func WithVersions(incoming, existing int) Option {
	return func(e *E) {
		e.IncomingVersion = incoming
		e.ExistingVersion = existing
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.TradeID != "" {
		parts = append(parts, "trade_id="+e.TradeID)
	}
	if e.IncomingVersion > 0 || e.ExistingVersion > 0 {
		parts = append(parts, "incoming_version="+strconv.Itoa(e.IncomingVersion))
		parts = append(parts, "existing_version="+strconv.Itoa(e.ExistingVersion))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

// Unwrap exposes the underlying cause for errors.Is/errors.As chains.
func (e *E) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// CodeOf extracts the error code from err, walking wrapped causes. Errors
// outside the envelope taxonomy report CodeDependency: by the time an error
// escapes the engine every non-domain failure is an infrastructure failure.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code
	}
	return CodeDependency
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
