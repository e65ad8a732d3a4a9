package exchange

import (
	"errors"
	"fmt"
)

// The gateway boundary reports failures through three tagged error types so
// callers can branch with errors.As instead of parsing venue payloads:
//
//   - AuthError: missing or rejected credentials; fatal for the symbol's
//     cycle, never retried.
//   - RequestError: bad symbol, insufficient funds, network/timeout or a
//     venue-side rejection; the symbol is skipped for the cycle.
//   - ClientError: a programming or configuration mistake on our side;
//     surfaced to the caller.

// AuthError indicates missing or invalid credentials.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: auth: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RequestError indicates a transient or venue-side failure.
type RequestError struct {
	Op   string
	Code int // venue error code when known, else 0
	Err  error
}

func (e *RequestError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: request (code %d): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: request: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// ClientError indicates a caller-side programming or configuration error.
type ClientError struct {
	Op  string
	Err error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: client: %v", e.Op, e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsRequest reports whether err is (or wraps) a RequestError.
func IsRequest(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}

// IsClient reports whether err is (or wraps) a ClientError.
func IsClient(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce)
}
