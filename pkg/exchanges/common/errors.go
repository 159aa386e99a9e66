package common

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies adapter failures into the engine's taxonomy.
type ErrorKind string

const (
	ErrKindRateLimited         ErrorKind = "rate_limited"
	ErrKindInsufficientBalance ErrorKind = "insufficient_balance"
	ErrKindInvalidSymbol       ErrorKind = "invalid_symbol"
	ErrKindInvalidParams       ErrorKind = "invalid_params"
	ErrKindNetworkTimeout      ErrorKind = "network_timeout"
	ErrKindAuth                ErrorKind = "auth"
	ErrKindUnknown             ErrorKind = "unknown"
)

// ErrOrderNotFound is returned by FetchOrderByClientID when the venue
// has no order for the given client id.
var ErrOrderNotFound = errors.New("order not found")

// APIError is a classified venue error.
type APIError struct {
	Kind  ErrorKind
	Venue string
	Msg   string
	Err   error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.Venue, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Venue, e.Kind, e.Msg)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError builds a classified error for a venue.
func NewAPIError(kind ErrorKind, venue, msg string) *APIError {
	return &APIError{Kind: kind, Venue: venue, Msg: msg}
}

// WrapAPIError classifies an underlying transport error.
func WrapAPIError(kind ErrorKind, venue string, err error) *APIError {
	return &APIError{Kind: kind, Venue: venue, Err: err}
}

// KindOf extracts the ErrorKind from err, mapping common transport
// failures to network_timeout.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindNetworkTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrKindNetworkTimeout
	}
	return ErrKindUnknown
}

// IsRetryable reports whether the failure may succeed on a later
// attempt with the same idempotency key.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrKindRateLimited, ErrKindNetworkTimeout:
		return true
	}
	return false
}

// IsAuth reports whether the failure indicates dead credentials.
func IsAuth(err error) bool {
	return KindOf(err) == ErrKindAuth
}
