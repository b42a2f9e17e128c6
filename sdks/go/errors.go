package paygate

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrDenied is returned when the gateway refuses a call for billing or
	// access-control reasons.
	ErrDenied = errors.New("call denied")

	// ErrMaintenance is returned when the gateway is in maintenance mode.
	ErrMaintenance = errors.New("gateway in maintenance")

	// ErrServerUnreachable is returned when the gateway cannot be contacted.
	ErrServerUnreachable = errors.New("gateway unreachable")
)

// DeniedError is returned when the gateway rejects a call with a payment
// required error. Reason carries the machine-readable deny token; compare it
// against the Reason* constants.
type DeniedError struct {
	// Reason is the deny token, e.g. ReasonInsufficientCredits.
	Reason string
	// Message is the full error message from the gateway.
	Message string
	// RequestID is the gateway-assigned request identifier, useful when
	// correlating with gateway audit logs.
	RequestID string
}

// Error returns a human-readable description of the denial.
func (e *DeniedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("call denied: %s", e.Reason)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrDenied).
func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

// Retryable reports whether the denial is transient. Rate limits clear on
// their own; everything else needs operator or billing action.
func (e *DeniedError) Retryable() bool {
	return e.Reason == ReasonRateLimited
}

// RPCError is returned for JSON-RPC errors other than payment denials, such
// as malformed requests or errors surfaced from the backend MCP server.
type RPCError struct {
	// Code is the JSON-RPC error code.
	Code int
	// Message is the error message.
	Message string
}

// Error returns a human-readable description of the RPC error.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// MaintenanceError is returned when the gateway answers 503 because an
// operator put it in maintenance mode.
type MaintenanceError struct {
	// RetryAfter is the wait the gateway suggested, zero if it gave none.
	RetryAfter time.Duration
}

// Error returns a human-readable description of the maintenance state.
func (e *MaintenanceError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("gateway in maintenance, retry after %s", e.RetryAfter)
	}
	return "gateway in maintenance"
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrMaintenance).
func (e *MaintenanceError) Is(target error) bool {
	return target == ErrMaintenance
}

// ServerUnreachableError is returned when the gateway cannot be contacted at
// the transport level (DNS failure, connection refused, timeout).
type ServerUnreachableError struct {
	// Cause is the underlying transport error.
	Cause error
}

// Error returns a human-readable description of the transport failure.
func (e *ServerUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("gateway unreachable: %v", e.Cause)
	}
	return "gateway unreachable"
}

// Unwrap returns the underlying error cause.
func (e *ServerUnreachableError) Unwrap() error {
	return e.Cause
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrServerUnreachable).
func (e *ServerUnreachableError) Is(target error) bool {
	return target == ErrServerUnreachable
}

// HTTPError is returned when the gateway answers with an unexpected HTTP
// status, such as 413 for an oversized request body.
type HTTPError struct {
	// StatusCode is the HTTP status code.
	StatusCode int
	// Body is the response body.
	Body string
}

// Error returns a human-readable description of the HTTP error.
func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("gateway returned %d", e.StatusCode)
}
