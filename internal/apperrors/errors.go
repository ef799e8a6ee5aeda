// Package apperrors declares the sentinel error taxonomy (spec §7) and a
// classifier used by the storage adapter's retry loop and by the session
// gateway's error-frame writer.
package apperrors

import "errors"

var (
	// Query parser (C3) faults.
	ErrParse           = errors.New("parse: malformed query DSL")
	ErrUnknownOperator = errors.New("unknown operator")
	ErrBadTerminal     = errors.New("bad terminal")
	ErrArityMismatch   = errors.New("arity mismatch")

	// Storage adapter (C1) faults.
	ErrNotFound             = errors.New("not found")
	ErrInvalidIdentifier    = errors.New("invalid document identifier")
	ErrCollectionNameInvalid = errors.New("invalid collection name")
	ErrPayloadTooLarge      = errors.New("payload too large")

	// Session gateway / subscription faults.
	ErrQueryTimeout        = errors.New("query timeout")
	ErrSnapshotTimeout     = errors.New("snapshot timeout")
	ErrSubscriptionOverrun = errors.New("subscription overrun")
	ErrProtocolViolation   = errors.New("protocol violation")
	ErrRateLimited         = errors.New("rate limited")

	// Backend faults.
	ErrBackendTransient = errors.New("backend transient failure")
	ErrBackendFatal     = errors.New("backend fatal failure")

	// Payload validation.
	ErrInvalidJSON = errors.New("payload must be valid JSON")
)

// ErrorCategory classifies an error for retry and propagation policy.
type ErrorCategory int

const (
	CategoryTransient ErrorCategory = iota
	CategoryPermanent
	CategoryValidation
	CategoryFatal
)

// Classify determines the category of err for the retry/propagation
// policy of spec §7. Unrecognized errors are treated as permanent so they
// surface to the client rather than being silently retried forever.
func Classify(err error) ErrorCategory {
	switch {
	case err == nil:
		return CategoryPermanent
	case errors.Is(err, ErrBackendTransient):
		return CategoryTransient
	case errors.Is(err, ErrBackendFatal):
		return CategoryFatal
	case errors.Is(err, ErrInvalidJSON),
		errors.Is(err, ErrParse),
		errors.Is(err, ErrUnknownOperator),
		errors.Is(err, ErrBadTerminal),
		errors.Is(err, ErrArityMismatch),
		errors.Is(err, ErrInvalidIdentifier),
		errors.Is(err, ErrCollectionNameInvalid),
		errors.Is(err, ErrPayloadTooLarge):
		return CategoryValidation
	default:
		return CategoryPermanent
	}
}

// ShouldRetry reports whether the category warrants an internal retry
// with bounded backoff rather than surfacing to the client.
func ShouldRetry(c ErrorCategory) bool {
	return c == CategoryTransient
}

// WireType maps an error to the `error` string of the error frame a client sees.
// Sentinel taxonomy names are used verbatim so clients can match on them.
func WireType(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrParse):
		return "Parse"
	case errors.Is(err, ErrUnknownOperator):
		return "UnknownOperator"
	case errors.Is(err, ErrBadTerminal):
		return "BadTerminal"
	case errors.Is(err, ErrArityMismatch):
		return "ArityMismatch"
	case errors.Is(err, ErrInvalidIdentifier):
		return "InvalidIdentifier"
	case errors.Is(err, ErrCollectionNameInvalid):
		return "CollectionNameInvalid"
	case errors.Is(err, ErrPayloadTooLarge):
		return "PayloadTooLarge"
	case errors.Is(err, ErrQueryTimeout):
		return "QueryTimeout"
	case errors.Is(err, ErrSnapshotTimeout):
		return "SnapshotTimeout"
	case errors.Is(err, ErrSubscriptionOverrun):
		return "SubscriptionOverrun"
	case errors.Is(err, ErrProtocolViolation):
		return "ProtocolViolation"
	case errors.Is(err, ErrRateLimited):
		return "RateLimited"
	case errors.Is(err, ErrBackendFatal):
		return "BackendFatal"
	case errors.Is(err, ErrBackendTransient):
		return "BackendTransient"
	default:
		return "Error"
	}
}
