// errors.go defines the canonical error taxonomy. Adapters translate venue
// error codes into these kinds via per-broker error tables; everything above
// the adapter boundary branches on Kind, never on venue strings.
package types

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway error.
type Kind string

const (
	KindInvalidInput          Kind = "InvalidInput"
	KindInstrumentNotFound    Kind = "InstrumentNotFound"
	KindInstrumentNotTradable Kind = "InstrumentNotTradable"
	KindInvalidToken          Kind = "InvalidToken"
	KindTokenExpired          Kind = "TokenExpired"
	KindMFARequired           Kind = "MFARequired"
	KindUnauthorized          Kind = "Unauthorized"
	KindNoRefreshToken        Kind = "NoRefreshToken"
	KindInsufficientFunds     Kind = "InsufficientFunds"
	KindInvalidOrder          Kind = "InvalidOrder"
	KindOrderNotFound         Kind = "OrderNotFound"
	KindNotModifiable         Kind = "NotModifiable"
	KindAlreadyTerminal       Kind = "AlreadyTerminal"
	KindRejected              Kind = "Rejected"
	KindMarketClosed          Kind = "MarketClosed"
	KindRateLimited           Kind = "RateLimited"
	KindNetworkError          Kind = "NetworkError"
	KindTimeout               Kind = "Timeout"
	KindNotConnected          Kind = "NotConnected"
	KindNotSupported          Kind = "NotSupported"
	KindNoBrokerAvailable     Kind = "NoBrokerAvailable"
	KindInternal              Kind = "Internal"
)

// retryableKinds lists the kinds a read operation may retry locally.
// Order mutations are never retried regardless of kind.
var retryableKinds = map[Kind]bool{
	KindNetworkError: true,
	KindTimeout:      true,
	KindRateLimited:  true,
}

// Error is the canonical error crossing component boundaries.
type Error struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	BrokerID  string `json:"broker_id,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.BrokerID != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.BrokerID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying transport error, if any.
func (e *Error) Unwrap() error { return e.cause }

// E builds a canonical error of the given kind. Retryability follows the
// taxonomy default for the kind.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryableKinds[kind]}
}

// Ef is E with formatting.
func Ef(kind Kind, format string, args ...any) *Error {
	return E(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause and returns the error for chaining.
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

// WithBroker tags the error with the originating broker id.
func (e *Error) WithBroker(id string) *Error {
	e.BrokerID = id
	return e
}

// KindOf extracts the canonical kind from any error. Errors that never
// passed through the taxonomy report KindInternal; the transport layer
// classifies context cancellations into KindTimeout before they get here.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// IsRetryable reports whether a read operation may retry after err.
func IsRetryable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return false
}
