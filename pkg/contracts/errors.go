package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors. Kinds are distinct from denial
// reasons: an error says the operation could not be performed, a denial is
// a successfully computed negative decision.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation_error"
	KindNotFound    ErrorKind = "not_found"
	KindConflict    ErrorKind = "conflict"
	KindRateLimited ErrorKind = "rate_limited"
	// KindDownstream marks store/cache/bus failures: breaker open or
	// timeout. The engine translates it into a fail-closed denial on
	// validation paths.
	KindDownstream ErrorKind = "downstream_unavailable"
	// KindSignature marks unusable key material. Always fatal for the
	// affected operation.
	KindSignature ErrorKind = "signature_error"
	KindInternal  ErrorKind = "internal_error"
)

// EngineError is the typed error every component raises upward. The engine
// is the only place that converts kinds into denial reasons.
type EngineError struct {
	Kind          ErrorKind
	Message       string
	CorrelationID string
	Err           error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *EngineError) Unwrap() error { return e.Err }

// NewError constructs an EngineError of the given kind.
func NewError(kind ErrorKind, msg string) *EngineError {
	return &EngineError{Kind: kind, Message: msg}
}

// WrapError constructs an EngineError wrapping a cause.
func WrapError(kind ErrorKind, msg string, err error) *EngineError {
	return &EngineError{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the ErrorKind from err, unwrapping as needed.
// Unclassified errors report KindInternal.
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind onto the admin-surface status code.
// Validation endpoints never use this: denials travel as 200 bodies.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return 400
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindRateLimited:
		return 429
	case KindDownstream:
		return 503
	default:
		return 500
	}
}
