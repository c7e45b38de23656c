package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Package errors.
var (
	// ErrNoURL is returned when the client is configured without an endpoint.
	ErrNoURL = errors.New("no RPC endpoint URL configured")

	// ErrIDMismatch is returned when a response does not echo the request id.
	ErrIDMismatch = errors.New("id mismatch")

	// ErrRateLimited is returned when the endpoint answers HTTP 429.
	ErrRateLimited = errors.New("rate limited")

	// ErrRetriesExhausted is returned when rate limiting outlasts the retry budget.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// RPCError is the error object of a JSON-RPC 2.0 response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("RPC error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// TransportError reports a failed exchange with the endpoint: the HTTP layer
// failed, the body was not JSON, the response id did not match, or rate
// limiting persisted past the retry budget.
type TransportError struct {
	Method   string
	URL      string
	Status   int
	Request  []byte
	Response []byte
	Err      error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("JSON-RPC method %s error %v, %s sent %d, request %s, response %s",
		e.Method, e.Err, e.URL, e.Status, e.Request, e.Response)
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRateLimited returns true if the error was caused by HTTP 429 responses.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
