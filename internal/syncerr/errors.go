// Package syncerr is the error taxonomy shared by the sync client, the
// tenant actor and the storage backends.
//
// Every failure that crosses a component boundary is an *Error with a Kind.
// The Kind decides the retry policy:
//
//   - KindCrypto: fatal for the affected entry only, logged, never retried.
//   - KindParse: the offending message is dropped, the connection continues.
//   - KindQuota: the connection is closed with the matching fatal code.
//   - KindStorage: wrapped backend failure; callers may retry idempotently.
//   - KindTransient: network/IO; the sync client retries with backoff.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind categorizes sync errors.
type Kind string

const (
	KindCrypto        Kind = "CRYPTO"
	KindParse         Kind = "PARSE"
	KindQuota         Kind = "QUOTA_EXCEEDED"
	KindStorage       Kind = "STORAGE_ACCESS"
	KindTransient     Kind = "TRANSIENT"
	KindUnauthorized  Kind = "UNAUTHORIZED"
	KindMissingFields Kind = "MISSING_FIELDS"
	KindRateLimited   Kind = "RATE_LIMITED"
	KindNotFound      Kind = "NOT_FOUND"
	KindUnknown       Kind = "UNKNOWN"
)

// Error is the single error type surfaced across component boundaries.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Close is the websocket close code that reports this error to a peer.
	// Zero when the error never closes a connection.
	Close CloseCode

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Crypto creates a KindCrypto error.
func Crypto(message string, err error) *Error {
	return &Error{Kind: KindCrypto, Message: message, Err: err}
}

// Parse creates a KindParse error.
func Parse(message string, err error) *Error {
	return &Error{Kind: KindParse, Message: message, Err: err}
}

// Storage wraps a durable backend failure. The operation names what was
// attempted ("append entries", "count devices").
func Storage(operation string, err error) *Error {
	return &Error{Kind: KindStorage, Message: operation, Err: err}
}

// Transient creates a KindTransient error.
func Transient(message string, err error) *Error {
	return &Error{Kind: KindTransient, Message: message, Err: err}
}

// Quota creates a KindQuota error carrying the fatal close code for the
// limit that was hit.
func Quota(code CloseCode, message string) *Error {
	return &Error{Kind: KindQuota, Close: code, Message: message}
}

// Unauthorized creates a KindUnauthorized error.
func Unauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, Close: CloseUnauthorized, Message: message}
}

// MissingFields creates a KindMissingFields error.
func MissingFields(fields ...string) *Error {
	return &Error{
		Kind:    KindMissingFields,
		Close:   CloseMissingFields,
		Message: fmt.Sprintf("missing required fields: %v", fields),
	}
}

// RateLimited creates a KindRateLimited error.
func RateLimited(key string) *Error {
	return &Error{Kind: KindRateLimited, Close: CloseTooManyRequests, Message: "too many requests for " + key}
}

// NotFound creates a KindNotFound error for a missing resource.
func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

// WithClose returns a copy of e reporting the given close code.
func (e *Error) WithClose(code CloseCode) *Error {
	cp := *e
	cp.Close = code
	return &cp
}

func kindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// IsCrypto returns true if err is a KindCrypto error.
func IsCrypto(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindCrypto
}

// IsParse returns true if err is a KindParse error.
func IsParse(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindParse
}

// IsQuota returns true if err is a KindQuota error.
func IsQuota(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindQuota
}

// IsStorage returns true if err is a KindStorage error.
func IsStorage(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindStorage
}

// IsTransient returns true if err is a KindTransient error.
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}

// IsNotFound returns true if err is a KindNotFound error.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// KindOf returns the Kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	if k, ok := kindOf(err); ok {
		return k
	}
	return KindUnknown
}

// CloseCodeOf returns the close code a server reports for err.
// Errors without an explicit code close with CloseUnknown.
func CloseCodeOf(err error) CloseCode {
	var se *Error
	if errors.As(err, &se) && se.Close != 0 {
		return se.Close
	}
	return CloseUnknown
}
