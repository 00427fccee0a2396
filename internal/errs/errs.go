// Package errs defines the structured error taxonomy shared across
// Aethelgard's components. Components return these rather than throwing
// freely, so the orchestrator can classify and count failures without
// string-matching.
package errs

import "fmt"

// Kind is the error taxonomy category, not a language type.
type Kind string

const (
	KindValidation           Kind = "ValidationError"
	KindPolicyRejection      Kind = "PolicyRejection"
	KindAssetNotNormalized   Kind = "AssetNotNormalizedError"
	KindConnector            Kind = "ConnectorError"
	KindStorage              Kind = "StorageError"
	KindCircuitBreakerActive Kind = "CircuitBreakerActive"
)

// Error is the structured error every component surfaces for expected
// rejection paths.
type Error struct {
	Kind    Kind
	Reason  string
	TraceID string
	Err     error
}

func (e *Error) Error() string {
	if e.TraceID != "" {
		return fmt.Sprintf("%s: %s (trace=%s)", e.Kind, e.Reason, e.TraceID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a structured error of the given kind.
func New(kind Kind, reason, traceID string) *Error {
	return &Error{Kind: kind, Reason: reason, TraceID: traceID}
}

// Wrap attaches a kind/reason to an underlying error, preserving it for
// errors.Is/As.
func Wrap(kind Kind, reason, traceID string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, TraceID: traceID, Err: err}
}

// AssetNotNormalized is a hard-abort condition: no asset profile exists
// for symbol.
func AssetNotNormalized(symbol, traceID string) *Error {
	return New(KindAssetNotNormalized, "no asset profile for "+symbol, traceID)
}

// Validation builds a ValidationError.
func Validation(reason string) *Error {
	return New(KindValidation, reason, "")
}

// PolicyRejection builds a governor-veto error.
func PolicyRejection(reason, traceID string) *Error {
	return New(KindPolicyRejection, reason, traceID)
}

// Storage wraps a storage write failure.
func Storage(reason string, err error) *Error {
	return Wrap(KindStorage, reason, "", err)
}

// Connector wraps a transient broker/network failure.
func Connector(reason string, err error) *Error {
	return Wrap(KindConnector, reason, "", err)
}

// CircuitBreakerActive signals the position-size monitor has tripped.
func CircuitBreakerActive(reason string) *Error {
	return New(KindCircuitBreakerActive, reason, "")
}
