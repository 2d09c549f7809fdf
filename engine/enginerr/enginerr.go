// Package enginerr defines the failure taxonomy shared by the
// simulator, the executor and the leverage composer. Every fatal error
// that crosses the state machine boundary carries a Kind and, when
// available, the simulation or confirmation log lines for diagnostics.
package enginerr

import (
	"errors"
	"fmt"
)

// Kind classifies a transaction failure.
type Kind string

const (
	KindSimulationFailure Kind = "SimulationFailure"
	KindInsufficientFunds Kind = "InsufficientFunds"
	KindSlippageExceeded  Kind = "SlippageExceeded"
	KindRPCError          Kind = "RPCError"
	KindBlockhashExpired  Kind = "BlockhashExpired"
	KindRateLimit         Kind = "RateLimit"
	KindUserRejected      Kind = "UserRejected"
	KindQuoteFailure      Kind = "QuoteFailure"
	KindConfirmTimeout    Kind = "ConfirmTimeout"
	KindOnChainFailure    Kind = "OnChainFailure"
	KindUnknown           Kind = "Unknown"
)

// Error is a classified engine failure.
type Error struct {
	Kind Kind
	Msg  string
	Logs []string
	Err  error // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error without an underlying cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates a classified error around an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithLogs attaches log lines for diagnostic display.
func (e *Error) WithLogs(logs []string) *Error {
	e.Logs = logs
	return e
}

// KindOf extracts the Kind from any error, returning KindUnknown for
// unclassified errors.
func KindOf(err error) Kind {
	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr.Kind
	}
	return KindUnknown
}

// LogsOf extracts the attached log lines from any error, or nil.
func LogsOf(err error) []string {
	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr.Logs
	}
	return nil
}
